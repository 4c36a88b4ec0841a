package bot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/sentinel/internal/retry"
	"github.com/web3guy0/sentinel/types"
)

type fakeSender struct {
	sent   []tgbotapi.MessageConfig
	failN  int
	nextID int
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.failN > 0 {
		f.failN--
		return tgbotapi.Message{}, errors.New("timeout")
	}
	msg := c.(tgbotapi.MessageConfig)
	f.sent = append(f.sent, msg)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

var fastRetry = retry.Policy{Attempts: 3, Min: time.Millisecond, Max: time.Millisecond}

func TestPostReturnsThread(t *testing.T) {
	api := &fakeSender{nextID: 41}
	n := newTelegramNotifier(api, 1001, 2002, fastRetry)

	thread, err := n.Post(context.Background(), ChannelSignals, "hello")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if thread != "1001:42" {
		t.Fatalf("thread = %q", thread)
	}

	if err := n.PostToThread(context.Background(), thread, "update"); err != nil {
		t.Fatalf("PostToThread: %v", err)
	}
	reply := api.sent[1]
	if reply.ChatID != 1001 || reply.ReplyToMessageID != 42 {
		t.Fatalf("reply chat=%d reply_to=%d", reply.ChatID, reply.ReplyToMessageID)
	}
}

func TestAlertsFallBackToSignalChat(t *testing.T) {
	api := &fakeSender{}
	n := newTelegramNotifier(api, 1001, 0, fastRetry)

	if _, err := n.Post(context.Background(), ChannelAlerts, "alert"); err != nil {
		t.Fatal(err)
	}
	if api.sent[0].ChatID != 1001 {
		t.Fatalf("chat = %d", api.sent[0].ChatID)
	}
}

func TestPostUnknownChannel(t *testing.T) {
	n := newTelegramNotifier(&fakeSender{}, 1001, 0, fastRetry)
	if _, err := n.Post(context.Background(), "nope", "x"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestPostDoesNotRetry(t *testing.T) {
	api := &fakeSender{failN: 1}
	n := newTelegramNotifier(api, 1001, 0, fastRetry)
	if _, err := n.Post(context.Background(), ChannelSignals, "x"); err == nil {
		t.Fatal("expected failure")
	}
	if len(api.sent) != 0 {
		t.Fatal("announcement must not be retried")
	}
}

func TestReplyRetries(t *testing.T) {
	api := &fakeSender{failN: 2}
	n := newTelegramNotifier(api, 1001, 0, fastRetry)
	if err := n.PostToThread(context.Background(), "1001:7", "x"); err != nil {
		t.Fatalf("PostToThread: %v", err)
	}
	if len(api.sent) != 1 {
		t.Fatalf("sent = %d", len(api.sent))
	}
}

func TestParseThread(t *testing.T) {
	tests := []struct {
		in      string
		chat    int64
		msg     int
		wantErr bool
	}{
		{"1001:42", 1001, 42, false},
		{"-100123:5", -100123, 5, false},
		{"garbage", 0, 0, true},
		{"x:1", 0, 0, true},
		{"1:y", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			chat, msg, err := parseThread(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if !tt.wantErr && (chat != tt.chat || msg != tt.msg) {
				t.Fatalf("got %d:%d", chat, msg)
			}
		})
	}
}

func TestFormatSignal(t *testing.T) {
	s := &types.Signal{
		Symbol:         "BTCUSDT",
		Side:           types.SideLong,
		Strategy:       "trend_pullback",
		EntryPrice:     decimal.NewFromInt(100),
		StopPrice:      decimal.NewFromInt(95),
		TP1:            decimal.NewFromInt(110),
		TP2:            decimal.NewFromInt(120),
		TP3:            decimal.NewFromInt(130),
		ConfluenceTags: []string{"ema_stack"},
		ValidUntil:     time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC),
	}

	out := FormatSignal(s)
	for _, want := range []string{"BTCUSDT", "+10.00%", "-5.00%", `trend\_pullback`, `ema\_stack`, "Jan 02 15:04"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestFormatShortMoves(t *testing.T) {
	s := &types.Signal{
		Symbol:     "ETHUSDT",
		Side:       types.SideShort,
		EntryPrice: decimal.NewFromInt(100),
		StopPrice:  decimal.NewFromInt(105),
		TP1:        decimal.NewFromInt(90),
		TP2:        decimal.NewFromInt(80),
		TP3:        decimal.NewFromInt(70),
	}
	out := FormatTransition(s, types.Transition{To: types.SignalTP1Hit})
	if !strings.Contains(out, "+10.00%") {
		t.Fatalf("short TP1 should read as a gain:\n%s", out)
	}
}

func TestFormatTransitionEscapesStatus(t *testing.T) {
	s := &types.Signal{
		Symbol:     "SOLUSDT",
		Side:       types.SideLong,
		EntryPrice: decimal.NewFromInt(100),
		TP1:        decimal.NewFromInt(110),
		TP2:        decimal.NewFromInt(120),
		TP3:        decimal.NewFromInt(130),
	}
	out := FormatTransition(s, types.Transition{To: types.SignalTP2Hit})
	if strings.Count(out, `TP2\_HIT`) != 2 {
		t.Fatalf("status not escaped:\n%s", out)
	}
	if strings.Contains(out, "TP2_HIT") {
		t.Fatalf("raw underscore left in:\n%s", out)
	}
}
