package queue

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/store"

	"go.uber.org/zap"
)

const upcomingLimit = 5

// Reader serves every read path. It never takes an office lock.
type Reader struct {
	store     store.QueueStore
	clock     Clock
	logger    *zap.Logger
	estimator Estimator
	location  *time.Location
}

func NewReader(st store.QueueStore, clock Clock, logger *zap.Logger, options Options) *Reader {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		store:     st,
		clock:     clock,
		logger:    logger,
		estimator: Estimator{DefaultServiceMinutes: options.DefaultServiceMinutes},
		location:  options.Location,
	}
}

type OfficeSummary struct {
	Office      models.Office       `json:"office"`
	Departments []models.Department `json:"departments"`
	State       models.QueueState   `json:"state"`
}

type TokenList struct {
	ServiceDay string              `json:"service_day"`
	Tokens     []models.QueueToken `json:"tokens"`
	Counts     map[string]int      `json:"counts"`
}

// LiveView assembles the public view of an office queue. When tokenID is
// set the view also carries that token's position and estimate.
func (r *Reader) LiveView(ctx context.Context, officeID, tokenID string) (models.LiveView, error) {
	office, err := r.store.GetOffice(ctx, officeID)
	if err != nil {
		return models.LiveView{}, err
	}
	state, _, err := r.store.GetQueueState(ctx, officeID)
	if err != nil {
		return models.LiveView{}, err
	}
	active, err := r.store.ListTokens(ctx, store.TokenFilter{
		OfficeID: officeID,
		Statuses: []string{models.StatusWaiting, models.StatusServing},
	})
	if err != nil {
		return models.LiveView{}, err
	}
	sort.Slice(active, func(i, j int) bool { return models.QueueOrderLess(active[i], active[j]) })

	now := r.clock.Now()
	view := models.LiveView{Office: office, GeneratedAt: now, Upcoming: []int{}}
	for i := range active {
		token := active[i]
		switch token.Status {
		case models.StatusServing:
			serving := token
			view.Serving = &serving
		case models.StatusWaiting:
			view.WaitingCount++
			if len(view.Upcoming) < upcomingLimit {
				view.Upcoming = append(view.Upcoming, token.TicketNumber)
			}
		}
	}
	view.State = r.reconcileServing(state, view.Serving)

	if tokenID == "" {
		return view, nil
	}
	token, err := r.store.GetToken(ctx, tokenID)
	if err != nil {
		return models.LiveView{}, err
	}
	if token.OfficeID != officeID {
		return models.LiveView{}, store.ErrTokenNotFound
	}
	tokenView, err := r.tokenView(ctx, active, token, now)
	if err != nil {
		return models.LiveView{}, err
	}
	view.Token = &tokenView
	return view, nil
}

// reconcileServing re-derives current_serving from the serving token.
func (r *Reader) reconcileServing(state models.QueueState, serving *models.QueueToken) models.QueueState {
	cached, hasCached := state.ServingNumber()
	var derived *int
	if serving != nil {
		number := serving.TicketNumber
		derived = &number
	}
	mismatch := hasCached != (derived != nil) || (derived != nil && cached != *derived)
	if mismatch {
		fields := []zap.Field{zap.String("office_id", state.OfficeID), zap.Bool("cached_set", hasCached), zap.Int("cached", cached)}
		if derived != nil {
			fields = append(fields, zap.Int("derived", *derived))
		}
		r.logger.Warn("current_serving cache disagreed with tokens", fields...)
	}
	state.CurrentServing = derived
	return state
}

func (r *Reader) tokenView(ctx context.Context, active []models.QueueToken, token models.QueueToken, now time.Time) (models.TokenView, error) {
	var department *models.Department
	if token.DepartmentID != "" {
		departments, err := r.store.ListDepartments(ctx, token.OfficeID)
		if err != nil {
			return models.TokenView{}, err
		}
		for i := range departments {
			if departments[i].DepartmentID == token.DepartmentID {
				department = &departments[i]
				break
			}
		}
	}
	estimate := r.estimator.Estimate(active, token, department, now)
	return models.TokenView{
		Token:                token,
		PositionAhead:        estimate.PositionAhead,
		EstimatedWaitMinutes: estimate.Minutes,
		EstimatedServeAt:     estimate.ServeAt,
		WaitLabel:            estimate.Label,
	}, nil
}

func (r *Reader) Token(ctx context.Context, tokenID string) (models.QueueToken, error) {
	return r.store.GetToken(ctx, tokenID)
}

func (r *Reader) ActiveToken(ctx context.Context, holderID string) (models.QueueToken, bool, error) {
	if strings.TrimSpace(holderID) == "" {
		return models.QueueToken{}, false, nil
	}
	return r.store.ActiveTokenForHolder(ctx, holderID)
}

func (r *Reader) OfficeBySlug(ctx context.Context, slug string) (OfficeSummary, error) {
	office, err := r.store.GetOfficeBySlug(ctx, slug)
	if err != nil {
		return OfficeSummary{}, err
	}
	departments, err := r.store.ListDepartments(ctx, office.OfficeID)
	if err != nil {
		return OfficeSummary{}, err
	}
	activeDepartments := make([]models.Department, 0, len(departments))
	for _, department := range departments {
		if department.Active {
			activeDepartments = append(activeDepartments, department)
		}
	}
	state, _, err := r.store.GetQueueState(ctx, office.OfficeID)
	if err != nil {
		return OfficeSummary{}, err
	}
	return OfficeSummary{Office: office, Departments: activeDepartments, State: state}, nil
}

// Today is the current service day of the office.
func (r *Reader) Today(office models.Office) string {
	return ServiceDay(r.clock.Now(), officeLocation(office.Timezone, r.location))
}

// ListTokens lists one service day of an office ordered by ticket number,
// with per-status counts for the whole day.
func (r *Reader) ListTokens(ctx context.Context, officeID, day string, statuses []string, search string) (TokenList, error) {
	office, err := r.store.GetOffice(ctx, officeID)
	if err != nil {
		return TokenList{}, err
	}
	if day == "" {
		day = r.Today(office)
	}
	all, err := r.store.ListTokens(ctx, store.TokenFilter{OfficeID: officeID, ServiceDay: day})
	if err != nil {
		return TokenList{}, err
	}
	counts := map[string]int{
		models.StatusWaiting: 0,
		models.StatusServing: 0,
		models.StatusServed:  0,
		models.StatusSkipped: 0,
	}
	for _, token := range all {
		counts[token.Status]++
	}

	tokens, err := r.store.ListTokens(ctx, store.TokenFilter{OfficeID: officeID, ServiceDay: day, Statuses: statuses, Search: search})
	if err != nil {
		return TokenList{}, err
	}
	sort.Slice(tokens, func(i, j int) bool {
		if tokens[i].TicketNumber != tokens[j].TicketNumber {
			return tokens[i].TicketNumber < tokens[j].TicketNumber
		}
		return tokens[i].Sequence < tokens[j].Sequence
	})
	if tokens == nil {
		tokens = []models.QueueToken{}
	}
	return TokenList{ServiceDay: day, Tokens: tokens, Counts: counts}, nil
}

// Stats summarizes one service day. AvgServiceTime is the mean gap in
// minutes between consecutive completions.
func (r *Reader) Stats(ctx context.Context, officeID, day string) (models.OfficeStats, error) {
	office, err := r.store.GetOffice(ctx, officeID)
	if err != nil {
		return models.OfficeStats{}, err
	}
	if day == "" {
		day = r.Today(office)
	}
	tokens, err := r.store.ListTokens(ctx, store.TokenFilter{OfficeID: officeID, ServiceDay: day})
	if err != nil {
		return models.OfficeStats{}, err
	}

	stats := models.OfficeStats{ServiceDay: day, TotalToday: len(tokens)}
	var servedAt []time.Time
	for _, token := range tokens {
		switch token.Status {
		case models.StatusServed:
			stats.Served++
			if token.ServedAt != nil {
				servedAt = append(servedAt, *token.ServedAt)
			}
		case models.StatusWaiting:
			stats.Waiting++
		case models.StatusSkipped:
			stats.Skipped++
		}
	}
	stats.AvgServiceTime = averageGapMinutes(servedAt)
	return stats, nil
}

func averageGapMinutes(times []time.Time) float64 {
	if len(times) < 2 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	total := times[len(times)-1].Sub(times[0]).Minutes()
	avg := total / float64(len(times)-1)
	return math.Round(avg*10) / 10
}

func (r *Reader) Events(ctx context.Context, officeID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	events, err := r.store.ListOutboxEvents(ctx, officeID, after, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	return events, nil
}
