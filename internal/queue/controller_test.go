package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/store"
	"qpro/queue-engine/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu      sync.Mutex
	changes []models.Change
}

func (n *recordingNotifier) Notify(change models.Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, change := range n.changes {
		out = append(out, change.Type)
	}
	return out
}

type harness struct {
	store      *memory.Store
	controller *Controller
	reader     *Reader
	clock      *fakeClock
	notifier   *recordingNotifier
	office     models.Office
}

func newHarness(t *testing.T, options Options) *harness {
	t.Helper()
	st := memory.NewStore(memory.Options{LockTimeout: 10 * time.Second})
	office, err := st.CreateOffice(context.Background(), models.Office{Name: "Passport Office", Slug: "passport", Active: true})
	require.NoError(t, err)
	if options.Location == nil {
		options.Location = time.UTC
	}
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	return &harness{
		store:      st,
		controller: NewController(st, notifier, clock, nil, options),
		reader:     NewReader(st, clock, nil, options),
		clock:      clock,
		notifier:   notifier,
		office:     office,
	}
}

func (h *harness) issue(t *testing.T, name string) models.QueueToken {
	t.Helper()
	result, err := h.controller.Issue(context.Background(), IssueInput{OfficeID: h.office.OfficeID, HolderName: name})
	require.NoError(t, err)
	return result.Token
}

func (h *harness) token(t *testing.T, tokenID string) models.QueueToken {
	t.Helper()
	token, err := h.store.GetToken(context.Background(), tokenID)
	require.NoError(t, err)
	return token
}

func (h *harness) servingCount(t *testing.T) int {
	t.Helper()
	tokens, err := h.store.ListTokens(context.Background(), store.TokenFilter{OfficeID: h.office.OfficeID, Statuses: []string{models.StatusServing}})
	require.NoError(t, err)
	return len(tokens)
}

func TestConcurrentIssueAssignsDenseNumbers(t *testing.T) {
	h := newHarness(t, Options{})
	const holders = 40

	var wg sync.WaitGroup
	numbers := make(chan int, holders)
	errs := make(chan error, holders)
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.controller.Issue(context.Background(), IssueInput{
				OfficeID:   h.office.OfficeID,
				HolderName: fmt.Sprintf("holder %d", i),
				HolderID:   fmt.Sprintf("holder-%d", i),
			})
			if err != nil {
				errs <- err
				return
			}
			numbers <- result.Token.TicketNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var got []int
	for number := range numbers {
		got = append(got, number)
	}
	sort.Ints(got)
	require.Len(t, got, holders)
	for i, number := range got {
		assert.Equal(t, i+1, number)
	}
}

func TestConcurrentServeAndSkipKeepAtMostOneServing(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 30; i++ {
		h.issue(t, fmt.Sprintf("holder %d", i))
	}

	var wg sync.WaitGroup
	violations := make(chan int, 64)
	for i := 0; i < 24; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%3 == 0 {
				_, err = h.controller.Skip(context.Background(), h.office.OfficeID)
			} else {
				_, err = h.controller.ServeNext(context.Background(), h.office.OfficeID)
			}
			if err != nil && !errors.Is(err, store.ErrNoTokenServing) {
				t.Errorf("unexpected error: %v", err)
			}
			tokens, _ := h.store.ListTokens(context.Background(), store.TokenFilter{OfficeID: h.office.OfficeID, Statuses: []string{models.StatusServing}})
			if len(tokens) > 1 {
				violations <- len(tokens)
			}
		}(i)
	}
	wg.Wait()
	close(violations)

	for count := range violations {
		t.Fatalf("observed %d serving tokens", count)
	}
	assert.LessOrEqual(t, h.servingCount(t), 1)
}

func TestServeNextPromotesSmallestWaitingNumber(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	first := h.issue(t, "one")
	second := h.issue(t, "two")
	third := h.issue(t, "three")
	h.issue(t, "four")

	_, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	_, err = h.controller.Skip(ctx, h.office.OfficeID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusServed, h.token(t, first.TokenID).Status)
	assert.Equal(t, models.StatusSkipped, h.token(t, second.TokenID).Status)

	// #3 was promoted by the skip; serve it and make sure #4 follows.
	assert.Equal(t, models.StatusServing, h.token(t, third.TokenID).Status)
	promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, 4, promoted.TicketNumber)
}

func TestIssueEstimateUsesWaitingCountAndDepartmentAverage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	department, err := h.store.CreateDepartment(ctx, models.Department{OfficeID: h.office.OfficeID, Name: "Renewals", AvgServiceTimeMins: 7, Active: true})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.issue(t, fmt.Sprintf("holder %d", i))
	}

	result, err := h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, DepartmentID: department.DepartmentID, HolderName: "late"})
	require.NoError(t, err)
	assert.Equal(t, 21, result.EstimatedWaitMinutes)
	assert.Equal(t, 21, result.Token.EstimatedWaitMins)
	assert.Equal(t, h.clock.Now().Add(21*time.Minute), result.EstimatedServeAt)

	view, err := h.reader.LiveView(ctx, h.office.OfficeID, result.Token.TokenID)
	require.NoError(t, err)
	require.NotNil(t, view.Token)
	assert.Equal(t, 3, view.Token.PositionAhead)
	assert.Equal(t, 21, view.Token.EstimatedWaitMinutes)
}

func TestIssueRejectsUnknownDepartmentAndBlankName(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, DepartmentID: "missing", HolderName: "a"})
	assert.ErrorIs(t, err, store.ErrDepartmentNotFound)

	_, err = h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, HolderName: "   "})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = h.controller.Issue(ctx, IssueInput{OfficeID: "nowhere", HolderName: "a"})
	assert.ErrorIs(t, err, store.ErrOfficeNotFound)
}

func TestClosedOfficeRejectsIssueAndServeNext(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.issue(t, "early")

	state, err := h.controller.SetClosed(ctx, h.office.OfficeID, true)
	require.NoError(t, err)
	assert.True(t, state.Closed)

	_, err = h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, HolderName: "late"})
	assert.ErrorIs(t, err, store.ErrQueueClosed)
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	assert.ErrorIs(t, err, store.ErrQueueClosed)

	_, err = h.controller.SetClosed(ctx, h.office.OfficeID, false)
	require.NoError(t, err)
	promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, 1, promoted.TicketNumber)
}

func TestSkipWhileClosedDoesNotPromote(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	first := h.issue(t, "one")
	second := h.issue(t, "two")
	_, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	_, err = h.controller.SetClosed(ctx, h.office.OfficeID, true)
	require.NoError(t, err)

	promoted, err := h.controller.Skip(ctx, h.office.OfficeID)
	require.NoError(t, err)
	assert.Nil(t, promoted)
	assert.Equal(t, models.StatusSkipped, h.token(t, first.TokenID).Status)
	assert.Equal(t, models.StatusWaiting, h.token(t, second.TokenID).Status)
}

func TestEndToEndServingScenario(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	a := h.issue(t, "A")
	b := h.issue(t, "B")
	assert.Equal(t, 1, a.TicketNumber)
	assert.Equal(t, 2, b.TicketNumber)

	promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, a.TokenID, promoted.TokenID)
	state, _, err := h.store.GetQueueState(ctx, h.office.OfficeID)
	require.NoError(t, err)
	serving, ok := state.ServingNumber()
	assert.True(t, ok)
	assert.Equal(t, 1, serving)

	h.clock.Advance(4 * time.Minute)
	promoted, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, b.TokenID, promoted.TokenID)
	servedA := h.token(t, a.TokenID)
	assert.Equal(t, models.StatusServed, servedA.Status)
	require.NotNil(t, servedA.ServedAt)
	assert.Equal(t, h.clock.Now(), *servedA.ServedAt)

	promoted, err = h.controller.Skip(ctx, h.office.OfficeID)
	require.NoError(t, err)
	assert.Nil(t, promoted)
	skippedB := h.token(t, b.TokenID)
	assert.Equal(t, models.StatusSkipped, skippedB.Status)
	assert.Nil(t, skippedB.ServedAt)

	state, _, err = h.store.GetQueueState(ctx, h.office.OfficeID)
	require.NoError(t, err)
	assert.Nil(t, state.CurrentServing)

	assert.Equal(t, []string{
		models.EventTokenIssued, models.EventTokenIssued,
		models.EventTokenServing,
		models.EventTokenServed, models.EventTokenServing,
		models.EventTokenSkipped,
	}, h.notifier.types())

	events, err := h.reader.Events(ctx, h.office.OfficeID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestSkipWithNothingServing(t *testing.T) {
	h := newHarness(t, Options{})
	h.issue(t, "waiting")

	_, err := h.controller.Skip(context.Background(), h.office.OfficeID)
	assert.ErrorIs(t, err, store.ErrNoTokenServing)
}

func TestServeNextWithEmptyQueue(t *testing.T) {
	h := newHarness(t, Options{})

	promoted, err := h.controller.ServeNext(context.Background(), h.office.OfficeID)
	require.NoError(t, err)
	assert.Nil(t, promoted)
	assert.Empty(t, h.notifier.types())
}

func TestAdvisoryPauseAllowsIssueAndServe(t *testing.T) {
	h := newHarness(t, Options{PauseMode: PauseAdvisory})
	ctx := context.Background()

	_, err := h.controller.SetPaused(ctx, h.office.OfficeID, true)
	require.NoError(t, err)
	h.issue(t, "paused holder")
	promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	assert.NotNil(t, promoted)
}

func TestBlockingPauseRejectsIssueAndServe(t *testing.T) {
	h := newHarness(t, Options{PauseMode: PauseBlock})
	ctx := context.Background()
	h.issue(t, "before pause")

	_, err := h.controller.SetPaused(ctx, h.office.OfficeID, true)
	require.NoError(t, err)
	_, err = h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, HolderName: "late"})
	assert.ErrorIs(t, err, store.ErrQueuePaused)
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	assert.ErrorIs(t, err, store.ErrQueuePaused)

	_, err = h.controller.SetPaused(ctx, h.office.OfficeID, false)
	require.NoError(t, err)
	promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	assert.NotNil(t, promoted)
}

func TestNoOpFlagToggleEmitsNothing(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, err := h.controller.SetPaused(ctx, h.office.OfficeID, false)
	require.NoError(t, err)
	_, err = h.controller.SetClosed(ctx, h.office.OfficeID, false)
	require.NoError(t, err)
	assert.Empty(t, h.notifier.types())
	_, found, err := h.store.GetQueueState(ctx, h.office.OfficeID)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = h.controller.SetPaused(ctx, h.office.OfficeID, true)
	require.NoError(t, err)
	_, err = h.controller.SetPaused(ctx, h.office.OfficeID, true)
	require.NoError(t, err)
	_, err = h.controller.SetPaused(ctx, h.office.OfficeID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{models.EventQueuePaused, models.EventQueueResumed}, h.notifier.types())
}

func TestHolderAlreadyQueuedCarriesExistingToken(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	other, err := h.store.CreateOffice(ctx, models.Office{Name: "Tax Office", Slug: "tax", Active: true})
	require.NoError(t, err)

	first, err := h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, HolderName: "A", HolderID: "holder-a"})
	require.NoError(t, err)

	_, err = h.controller.Issue(ctx, IssueInput{OfficeID: other.OfficeID, HolderName: "A", HolderID: "holder-a"})
	require.ErrorIs(t, err, store.ErrHolderAlreadyQueued)
	var queued *HolderQueuedError
	require.True(t, errors.As(err, &queued))
	assert.Equal(t, first.Token.TokenID, queued.TokenID)

	// Once served the holder may queue again.
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	_, err = h.controller.Issue(ctx, IssueInput{OfficeID: other.OfficeID, HolderName: "A", HolderID: "holder-a"})
	assert.NoError(t, err)
}

func TestDepartmentNumberingKeepsGlobalOrder(t *testing.T) {
	h := newHarness(t, Options{Numbering: NumberingDepartment})
	ctx := context.Background()
	renewals, err := h.store.CreateDepartment(ctx, models.Department{OfficeID: h.office.OfficeID, Name: "Renewals", AvgServiceTimeMins: 5, Active: true})
	require.NoError(t, err)
	fresh, err := h.store.CreateDepartment(ctx, models.Department{OfficeID: h.office.OfficeID, Name: "New", AvgServiceTimeMins: 10, Active: true})
	require.NoError(t, err)

	issue := func(departmentID string) models.QueueToken {
		result, err := h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, DepartmentID: departmentID, HolderName: "x"})
		require.NoError(t, err)
		return result.Token
	}
	r1 := issue(renewals.DepartmentID)
	n1 := issue(fresh.DepartmentID)
	r2 := issue(renewals.DepartmentID)

	assert.Equal(t, 1, r1.TicketNumber)
	assert.Equal(t, 1, n1.TicketNumber)
	assert.Equal(t, 2, r2.TicketNumber)
	assert.Equal(t, []int{1, 2, 3}, []int{r1.Sequence, n1.Sequence, r2.Sequence})

	for _, want := range []string{r1.TokenID, n1.TokenID, r2.TokenID} {
		promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
		require.NoError(t, err)
		require.NotNil(t, promoted)
		assert.Equal(t, want, promoted.TokenID)
	}
}

func TestNumbersRestartOnNewServiceDayButOrderCarriesOver(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	yesterday := h.issue(t, "overnight")

	h.clock.Advance(24 * time.Hour)
	today := h.issue(t, "morning")
	assert.Equal(t, 1, today.TicketNumber)
	assert.NotEqual(t, yesterday.ServiceDay, today.ServiceDay)

	promoted, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, yesterday.TokenID, promoted.TokenID)
}

func TestReaderListsAndSummarizesServiceDay(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.issue(t, "Asha")
	h.issue(t, "Bilal")
	h.issue(t, "Chen")

	_, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	h.clock.Advance(6 * time.Minute)
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)
	h.clock.Advance(4 * time.Minute)
	_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)

	list, err := h.reader.ListTokens(ctx, h.office.OfficeID, "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "2026-10-15", list.ServiceDay)
	assert.Len(t, list.Tokens, 3)
	assert.Equal(t, 2, list.Counts[models.StatusServed])
	assert.Equal(t, 1, list.Counts[models.StatusServing])

	filtered, err := h.reader.ListTokens(ctx, h.office.OfficeID, "", []string{models.StatusServed}, "bil")
	require.NoError(t, err)
	require.Len(t, filtered.Tokens, 1)
	assert.Equal(t, "Bilal", filtered.Tokens[0].HolderName)

	stats, err := h.reader.Stats(ctx, h.office.OfficeID, "")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalToday)
	assert.Equal(t, 2, stats.Served)
	assert.Equal(t, 0, stats.Waiting)
	assert.Equal(t, 4.0, stats.AvgServiceTime)
}

func TestLiveViewDerivesServingFromTokens(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.issue(t, "one")
	h.issue(t, "two")
	h.issue(t, "three")
	_, err := h.controller.ServeNext(ctx, h.office.OfficeID)
	require.NoError(t, err)

	view, err := h.reader.LiveView(ctx, h.office.OfficeID, "")
	require.NoError(t, err)
	require.NotNil(t, view.Serving)
	assert.Equal(t, 1, view.Serving.TicketNumber)
	assert.Equal(t, 2, view.WaitingCount)
	assert.Equal(t, []int{2, 3}, view.Upcoming)
	number, ok := view.State.ServingNumber()
	assert.True(t, ok)
	assert.Equal(t, 1, number)

	summary, err := h.reader.OfficeBySlug(ctx, "passport")
	require.NoError(t, err)
	assert.Equal(t, h.office.OfficeID, summary.Office.OfficeID)
}

func TestPositionNeverIncreasesWhileOthersIssueAndServe(t *testing.T) {
	h := newHarness(t, Options{})
	for i := 0; i < 5; i++ {
		h.issue(t, fmt.Sprintf("early %d", i))
	}
	watched := h.issue(t, "watched")
	for i := 0; i < 10; i++ {
		h.issue(t, fmt.Sprintf("behind %d", i))
	}

	ctx := context.Background()
	initial, err := h.reader.LiveView(ctx, h.office.OfficeID, watched.TokenID)
	require.NoError(t, err)
	require.NotNil(t, initial.Token)
	require.Equal(t, 5, initial.Token.PositionAhead)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.controller.Issue(ctx, IssueInput{OfficeID: h.office.OfficeID, HolderName: fmt.Sprintf("late %d", i)})
			if err != nil {
				t.Errorf("issue: %v", err)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = h.controller.ServeNext(ctx, h.office.OfficeID)
			} else {
				_, err = h.controller.Skip(ctx, h.office.OfficeID)
			}
			if err != nil && !errors.Is(err, store.ErrNoTokenServing) {
				t.Errorf("serve: %v", err)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	last := initial.Token.PositionAhead
	observe := func() {
		view, err := h.reader.LiveView(ctx, h.office.OfficeID, watched.TokenID)
		require.NoError(t, err)
		require.NotNil(t, view.Token)
		if view.Token.Token.Status != models.StatusWaiting {
			return
		}
		position := view.Token.PositionAhead
		assert.LessOrEqual(t, position, last, "position ahead went up")
		last = position
	}
	for {
		select {
		case <-done:
			observe()
			return
		default:
			observe()
		}
	}
}
