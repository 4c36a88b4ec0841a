package exec

import (
	"testing"

	"github.com/adshao/go-binance/v2/futures"
)

func TestParseOrderID(t *testing.T) {
	tests := []struct {
		in      string
		algo    bool
		id      int64
		wantErr bool
	}{
		{"123456", false, 123456, false},
		{"algo:987", true, 987, false},
		{"algo:", false, 0, true},
		{"PAPER_x", false, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			algo, id, err := parseOrderID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if err == nil && (algo != tt.algo || id != tt.id) {
				t.Fatalf("got %v %d", algo, id)
			}
		})
	}
}

func TestAlgoStatus(t *testing.T) {
	tests := map[futures.AlgoOrderStatusType]OrderStatus{
		futures.AlgoOrderStatusTypeNew:      OrderNew,
		futures.AlgoOrderStatusTypeCanceled: OrderCanceled,
		futures.AlgoOrderStatusTypeRejected: OrderRejected,
		futures.AlgoOrderStatusTypeExpired:  OrderExpired,
		"TRIGGERING":                        OrderNew,
	}
	for in, want := range tests {
		if got := algoStatus(in); got != want {
			t.Errorf("algoStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
