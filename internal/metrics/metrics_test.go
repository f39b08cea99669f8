package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeExchangeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil error", nil, ""},
		{"deadline", errors.New("context deadline exceeded"), ExchangeErrorTimeout},
		{"rate limited", errors.New("EAPI:Rate limit exceeded"), ExchangeErrorRateLimit},
		{"http 429", errors.New("status 429"), ExchangeErrorRateLimit},
		{"bad key", errors.New("EAPI:Invalid key, authentication failed"), ExchangeErrorAuth},
		{"connection refused", errors.New("dial tcp: connection refused"), ExchangeErrorNetwork},
		{"bad request", errors.New("EGeneral:Invalid arguments"), ExchangeErrorInvalidReq},
		{"server error", errors.New("status 502 bad gateway"), ExchangeErrorServerError},
		{"unclassified", errors.New("something odd"), ExchangeErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeExchangeError(tt.err))
		})
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordTrade("alpha", 120.5)
		RecordTrade("alpha", -80.0)
		RecordSignal("long")
		RecordSignal("short")
		RecordOrderExecution(350, 2.5)
		RecordOrderExecution(90, -1)
		RecordExchangeAPICall("kraken", "/0/private/AddOrder", 120, nil)
		RecordExchangeAPICall("kraken", "/0/public/Ticker", 80, errors.New("status 429"))
		RecordHTTPRequest("GET", "/health", "200", 1.2)
		UpdateCampaignRisk("alpha", 100_000, -250, 1.5, 3)
		UpdateDatabaseConnections(5, 2)
		UpdateRedisPoolStats(nil)
		SetStalenessLevel(2)
	})
}
