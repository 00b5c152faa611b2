package strategy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paperbot/internal/llm"
	"paperbot/internal/paper"
	"paperbot/internal/types"
)

// chatServer answers every completion request with the given reply text.
func chatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": reply}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestLLM(t *testing.T, srv *httptest.Server) *LLM {
	t.Helper()
	l := NewLLM()
	require.NoError(t, l.Configure(map[string]any{"cooldown_minutes": 0}))
	if srv != nil {
		l.SetLLMClient(llm.NewClient("test-key", "test-model", srv.URL))
	}
	return l
}

func llmWindow() []types.Candle {
	return bars(flatSeries(30, 50000), nil, 15*time.Minute, 25)
}

func TestLLMHoldsWithoutClient(t *testing.T) {
	l := newTestLLM(t, nil)

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestLLMBuyDecisionBecomesBracketedSignal(t *testing.T) {
	srv := chatServer(t, `{"action":"buy","confidence":7.5,"reason":"structure breakout","stop_loss_percent":1,"take_profit_percent":2}`)
	l := newTestLLM(t, srv)

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindBuy, sig.Kind)
	assert.True(t, sig.Confidence.Equal(dec("7.5")))
	assert.True(t, sig.Price.Equal(dec("50000")))
	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.True(t, sig.StopLoss.Equal(dec("49500")), "got %s", sig.StopLoss)
	assert.True(t, sig.TakeProfit.Equal(dec("51000")), "got %s", sig.TakeProfit)
	assert.Contains(t, sig.Reason, "structure breakout")
}

func TestLLMProseWrappedJSONStillParses(t *testing.T) {
	srv := chatServer(t, `Looking at the tape, my call: {"action":"sell","confidence":6,"reason":"lower highs"} - size accordingly.`)
	l := newTestLLM(t, srv)

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindSell, sig.Kind)
}

func TestLLMHoldDecisionIsNoSignal(t *testing.T) {
	srv := chatServer(t, `{"action":"hold","confidence":8,"reason":"chop"}`)
	l := newTestLLM(t, srv)

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestLLMCloseWithoutPositionIsNoSignal(t *testing.T) {
	srv := chatServer(t, `{"action":"close","confidence":8,"reason":"done here"}`)
	l := newTestLLM(t, srv)

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestLLMShouldCloseConvertsCloseDecision(t *testing.T) {
	srv := chatServer(t, `{"action":"close","confidence":8,"reason":"momentum gone"}`)
	l := newTestLLM(t, srv)
	pos := paper.PositionView{
		Symbol:     "BTC-USD",
		Side:       types.SideLong,
		Size:       dec("0.1"),
		EntryPrice: dec("49000"),
	}

	sig, err := l.ShouldClose(context.Background(), pos, llmWindow())

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, KindClose, sig.Kind)
	assert.Contains(t, sig.Reason, "momentum gone")
}

func TestLLMShouldCloseIgnoresEntryAdvice(t *testing.T) {
	srv := chatServer(t, `{"action":"buy","confidence":9,"reason":"add to winner"}`)
	l := newTestLLM(t, srv)
	pos := paper.PositionView{Symbol: "BTC-USD", Side: types.SideLong, Size: dec("0.1"), EntryPrice: dec("49000")}

	sig, err := l.ShouldClose(context.Background(), pos, llmWindow())

	require.NoError(t, err)
	assert.Nil(t, sig, "the close path never opens positions")
}

func TestLLMTransportErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	l := newTestLLM(t, srv)

	_, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm decision")
}

func TestLLMCooldownSuppressesRepeats(t *testing.T) {
	srv := chatServer(t, `{"action":"buy","confidence":7,"reason":"go"}`)
	l := NewLLM()
	l.SetLLMClient(llm.NewClient("test-key", "test-model", srv.URL))

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())
	require.NoError(t, err)
	require.NotNil(t, sig)

	sig, err = l.Analyze(context.Background(), "BTC-USD", llmWindow())
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestLLMClampsModelBrackets(t *testing.T) {
	// 90% stop and 200% target are outside sane ranges and get clamped to
	// the 20/50 caps.
	srv := chatServer(t, `{"action":"buy","confidence":7,"reason":"moon","stop_loss_percent":90,"take_profit_percent":200}`)
	l := newTestLLM(t, srv)

	sig, err := l.Analyze(context.Background(), "BTC-USD", llmWindow())

	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.True(t, sig.StopLoss.Equal(dec("40000")), "got %s", sig.StopLoss)
	assert.True(t, sig.TakeProfit.Equal(dec("75000")), "got %s", sig.TakeProfit)
}
