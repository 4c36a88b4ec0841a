package lifecycle

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// signalNamespace scopes deterministic signal ids
var signalNamespace = uuid.MustParse("6f1c9a52-3d0e-4b8e-9a57-2c41d8e0b7f3")

// SignalID derives the id for a strategy's signal on a symbol for the UTC
// day containing at. Regenerating on the same day yields the same id.
func SignalID(at time.Time, strategy, symbol string) string {
	key := at.UTC().Format("2006-01-02") + "|" + strings.ToLower(strategy) + "|" + strings.ToUpper(symbol)
	return uuid.NewSHA1(signalNamespace, []byte(key)).String()
}
