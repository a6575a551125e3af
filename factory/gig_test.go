package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payflow/billing"
)

var fixed = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func newFactory() *GigFactory {
	return &GigFactory{Now: func() time.Time { return fixed }}
}

func TestParseGig_Milestone(t *testing.T) {
	data := []byte(`{
		"id": "gig-1",
		"commissioner_id": "comm-1",
		"title": "Brand refresh",
		"budget": {"lower": 6000, "upper": "9000.50"},
		"invoicing_method": "Milestone",
		"milestones": [
			{"id": "m1", "title": "Moodboard", "start": "2025-03-01", "end": "2025-03-14"},
			{"id": "m2", "title": "Logo", "end": "2025-04-01T12:00:00Z"}
		]
	}`)

	gig, err := newFactory().ParseGig(data)

	require.NoError(t, err)
	assert.Equal(t, billing.MethodMilestone, gig.InvoicingMethod)
	assert.True(t, gig.Budget().Equal(decimal.RequireFromString("9000.50")))
	assert.Equal(t, billing.GigAvailable, gig.Status)
	assert.Equal(t, fixed, gig.CreatedAt)
	require.Len(t, gig.Milestones, 2)
	assert.Equal(t, time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC), gig.Milestones[0].End)
	assert.True(t, gig.Milestones[1].Start.IsZero())
}

func TestParseGig_DefaultsToCompletion(t *testing.T) {
	gig, err := newFactory().ParseGig([]byte(`{"id":"g","commissioner_id":"c","title":"t","budget":{"lower":"500"}}`))

	require.NoError(t, err)
	assert.Equal(t, billing.MethodCompletion, gig.InvoicingMethod)
	assert.True(t, gig.Budget().Equal(decimal.NewFromInt(500)))
}

func TestParseGig_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		json  string
		field string
	}{
		{"malformed", `{"id":`, "body"},
		{"unknown method", `{"id":"g","commissioner_id":"c","budget":{"lower":1},"invoicing_method":"hourly"}`, "invoicingMethod"},
		{"no budget", `{"id":"g","commissioner_id":"c"}`, "budget"},
		{"milestone without milestones", `{"id":"g","commissioner_id":"c","budget":{"lower":1},"invoicing_method":"milestone"}`, "milestones"},
		{"bad date", `{"id":"g","commissioner_id":"c","budget":{"lower":1},"invoicing_method":"milestone","milestones":[{"id":"m1","start":"March"}]}`, "start"},
		{"end before start", `{"id":"g","commissioner_id":"c","budget":{"lower":1},"invoicing_method":"milestone","milestones":[{"id":"m1","start":"2025-03-02","end":"2025-03-01"}]}`, "milestones"},
		{"missing commissioner", `{"id":"g","budget":{"lower":1}}`, "commissionerId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newFactory().ParseGig([]byte(tt.json))
			var ve *billing.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPresets(t *testing.T) {
	f := newFactory()

	gig, err := f.BuildGig(MilestoneGigJSON("g1", "c1", "Site", decimal.NewFromInt(9000), 3))
	require.NoError(t, err)
	assert.Len(t, gig.Milestones, 3)
	assert.Equal(t, "m3", gig.Milestones[2].ID)

	gig, err = f.BuildGig(CompletionGigJSON("g2", "c1", "Copy", decimal.NewFromInt(1000)))
	require.NoError(t, err)
	assert.Equal(t, billing.MethodCompletion, gig.InvoicingMethod)
	assert.Empty(t, gig.Milestones)
}
