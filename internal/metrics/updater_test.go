package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/db"
)

type fakeCampaignReader struct {
	campaigns []*db.Campaign
	states    map[uuid.UUID]*db.CampaignRiskState
	err       error
}

func (f *fakeCampaignReader) GetActiveCampaigns(context.Context) ([]*db.Campaign, error) {
	return f.campaigns, f.err
}

func (f *fakeCampaignReader) GetCampaignRiskState(_ context.Context, id uuid.UUID) (*db.CampaignRiskState, error) {
	return f.states[id], nil
}

func TestUpdater_PublishesCampaignGauges(t *testing.T) {
	id := uuid.New()
	reader := &fakeCampaignReader{
		campaigns: []*db.Campaign{{ID: id, Name: "alpha"}},
		states: map[uuid.UUID]*db.CampaignRiskState{
			id: {
				CampaignID:    id,
				CurrentEquity: decimal.NewFromInt(98_500),
				DailyPnL:      decimal.NewFromInt(-1500),
				CurrentDDPct:  1.5,
				PositionsOpen: 2,
			},
		},
	}

	u := NewUpdater(reader, nil, nil, time.Second)
	assert.NotPanics(t, func() { u.Update(context.Background()) })
}

func TestUpdater_ToleratesStoreErrors(t *testing.T) {
	u := NewUpdater(&fakeCampaignReader{err: errors.New("db down")}, nil, nil, time.Second)
	assert.NotPanics(t, func() { u.Update(context.Background()) })
}

func TestUpdater_SkipsMissingState(t *testing.T) {
	reader := &fakeCampaignReader{
		campaigns: []*db.Campaign{{ID: uuid.New(), Name: "beta"}},
		states:    map[uuid.UUID]*db.CampaignRiskState{},
	}
	u := NewUpdater(reader, nil, nil, 0)
	assert.Equal(t, 15*time.Second, u.interval)
	assert.NotPanics(t, func() { u.Update(context.Background()) })
}

func TestUpdater_RunStopsOnCancel(t *testing.T) {
	u := NewUpdater(&fakeCampaignReader{}, nil, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("updater did not stop on context cancel")
	}
}
