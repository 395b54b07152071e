package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qpro/queue-engine/internal/models"
	"qpro/queue-engine/internal/store"

	"github.com/google/uuid"
)

const defaultOutboxLimit = 1000

type Options struct {
	LockTimeout time.Duration
	OutboxLimit int
}

// Store keeps every office in an immutable snapshot. Writers hold the
// office's one-slot lock, mutate a clone and publish it on success; readers
// load the current snapshot without locking.
type Store struct {
	lockTimeout time.Duration
	outboxLimit int

	offices sync.Map // office id -> *officeEntry
	slugs   sync.Map // slug -> office id
	tokens  sync.Map // token id -> office id

	holdersMu sync.RWMutex
	holders   map[string]string // holder id -> non-terminal token id

	sessionsMu sync.RWMutex
	sessions   map[string]store.Session
	access     map[string][]string
}

type officeEntry struct {
	lock chan struct{}
	snap atomic.Pointer[officeSnapshot]
}

type officeSnapshot struct {
	office      models.Office
	departments map[string]models.Department
	state       models.QueueState
	hasState    bool
	tokens      []models.QueueToken
	sequences   map[store.SequenceKey]int
	events      []store.OutboxEvent
}

func NewStore(options Options) *Store {
	timeout := options.LockTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	limit := options.OutboxLimit
	if limit <= 0 {
		limit = defaultOutboxLimit
	}
	return &Store{
		lockTimeout: timeout,
		outboxLimit: limit,
		holders:     make(map[string]string),
		sessions:    make(map[string]store.Session),
		access:      make(map[string][]string),
	}
}

func (s *officeSnapshot) clone() *officeSnapshot {
	next := &officeSnapshot{
		office:      s.office,
		departments: make(map[string]models.Department, len(s.departments)),
		state:       s.state,
		hasState:    s.hasState,
		tokens:      make([]models.QueueToken, len(s.tokens)),
		sequences:   make(map[store.SequenceKey]int, len(s.sequences)),
		events:      make([]store.OutboxEvent, len(s.events)),
	}
	for id, department := range s.departments {
		next.departments[id] = department
	}
	copy(next.tokens, s.tokens)
	for key, value := range s.sequences {
		next.sequences[key] = value
	}
	copy(next.events, s.events)
	return next
}

func (s *Store) entry(officeID string) (*officeEntry, bool) {
	value, ok := s.offices.Load(officeID)
	if !ok {
		return nil, false
	}
	return value.(*officeEntry), true
}

func (s *Store) acquire(ctx context.Context, officeID string, entry *officeEntry) error {
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case entry.lock <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("office %s lock wait exceeded %s: %w", officeID, s.lockTimeout, store.ErrTransientUnavailable)
	case <-ctx.Done():
		return fmt.Errorf("office %s lock wait: %v: %w", officeID, ctx.Err(), store.ErrTransientUnavailable)
	}
}

func (s *Store) WithOffice(ctx context.Context, officeID string, fn func(tx store.OfficeTx) error) error {
	entry, ok := s.entry(officeID)
	if !ok {
		return store.ErrOfficeNotFound
	}
	if err := s.acquire(ctx, officeID, entry); err != nil {
		return err
	}
	defer func() { <-entry.lock }()

	tx := &officeTx{store: s, snap: entry.snap.Load().clone()}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(entry, tx)
}

func (s *Store) commit(entry *officeEntry, tx *officeTx) error {
	serving := 0
	for _, token := range tx.snap.tokens {
		if token.Status == models.StatusServing {
			serving++
		}
	}
	if serving > 1 {
		return store.ErrAlreadyServing
	}

	s.holdersMu.Lock()
	defer s.holdersMu.Unlock()
	for holderID, tokenID := range tx.claims {
		existing, ok := s.holders[holderID]
		if ok && existing != tokenID && !tx.releases[holderID] {
			return store.ErrHolderAlreadyQueued
		}
	}

	entry.snap.Store(tx.snap)
	for holderID := range tx.releases {
		delete(s.holders, holderID)
	}
	for holderID, tokenID := range tx.claims {
		s.holders[holderID] = tokenID
	}
	for _, tokenID := range tx.inserted {
		s.tokens.Store(tokenID, tx.snap.office.OfficeID)
	}
	return nil
}

type officeTx struct {
	store    *Store
	snap     *officeSnapshot
	claims   map[string]string
	releases map[string]bool
	inserted []string
}

func (t *officeTx) Office() models.Office {
	return t.snap.office
}

func (t *officeTx) State() models.QueueState {
	if !t.snap.hasState {
		return models.QueueState{OfficeID: t.snap.office.OfficeID}
	}
	return t.snap.state
}

func (t *officeTx) SaveState(ctx context.Context, state models.QueueState) error {
	state.OfficeID = t.snap.office.OfficeID
	t.snap.state = state
	t.snap.hasState = true
	return nil
}

func (t *officeTx) Department(ctx context.Context, departmentID string) (models.Department, error) {
	department, ok := t.snap.departments[departmentID]
	if !ok || !department.Active {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	return department, nil
}

func (t *officeTx) ServingToken(ctx context.Context) (models.QueueToken, bool, error) {
	for _, token := range t.snap.tokens {
		if token.Status == models.StatusServing {
			return token, true, nil
		}
	}
	return models.QueueToken{}, false, nil
}

func (t *officeTx) NextWaiting(ctx context.Context) (models.QueueToken, bool, error) {
	var next models.QueueToken
	found := false
	for _, token := range t.snap.tokens {
		if token.Status != models.StatusWaiting {
			continue
		}
		if !found || models.QueueOrderLess(token, next) {
			next = token
			found = true
		}
	}
	return next, found, nil
}

func (t *officeTx) CountWaiting(ctx context.Context) (int, error) {
	count := 0
	for _, token := range t.snap.tokens {
		if token.Status == models.StatusWaiting {
			count++
		}
	}
	return count, nil
}

func (t *officeTx) HolderActiveToken(ctx context.Context, holderID string) (models.QueueToken, bool, error) {
	if holderID == "" {
		return models.QueueToken{}, false, nil
	}
	if tokenID, ok := t.claims[holderID]; ok {
		return t.findLocal(tokenID)
	}
	if t.releases[holderID] {
		return models.QueueToken{}, false, nil
	}
	return t.store.ActiveTokenForHolder(ctx, holderID)
}

func (t *officeTx) findLocal(tokenID string) (models.QueueToken, bool, error) {
	for _, token := range t.snap.tokens {
		if token.TokenID == tokenID {
			return token, true, nil
		}
	}
	return models.QueueToken{}, false, nil
}

func (t *officeTx) NextNumber(ctx context.Context, key store.SequenceKey) (int, error) {
	key.OfficeID = t.snap.office.OfficeID
	t.snap.sequences[key]++
	return t.snap.sequences[key], nil
}

func (t *officeTx) InsertToken(ctx context.Context, token models.QueueToken) error {
	if token.OfficeID != t.snap.office.OfficeID {
		return fmt.Errorf("token office %s: %w", token.OfficeID, store.ErrInvalidInput)
	}
	for _, existing := range t.snap.tokens {
		if existing.TokenID == token.TokenID {
			return fmt.Errorf("token %s exists: %w", token.TokenID, store.ErrInvalidInput)
		}
		if existing.ServiceDay != token.ServiceDay {
			continue
		}
		if existing.Sequence == token.Sequence {
			return store.ErrSequenceConflict
		}
		if existing.NumberPartition == token.NumberPartition && existing.TicketNumber == token.TicketNumber {
			return store.ErrSequenceConflict
		}
	}
	t.snap.tokens = append(t.snap.tokens, token)
	t.inserted = append(t.inserted, token.TokenID)
	if token.HolderID != "" && !models.IsTerminal(token.Status) {
		if t.claims == nil {
			t.claims = make(map[string]string)
		}
		t.claims[token.HolderID] = token.TokenID
	}
	return nil
}

func (t *officeTx) TransitionToken(ctx context.Context, tokenID, action string, at time.Time) (models.QueueToken, error) {
	idx := -1
	for i := range t.snap.tokens {
		if t.snap.tokens[i].TokenID == tokenID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	token := t.snap.tokens[idx]
	if !store.ValidTransition(action, token.Status) {
		return models.QueueToken{}, store.ErrInvalidState
	}
	to, _ := store.TargetStatus(action)
	if to == models.StatusServing {
		if _, serving, _ := t.ServingToken(ctx); serving {
			return models.QueueToken{}, store.ErrAlreadyServing
		}
	}
	token.Status = to
	if to == models.StatusServed {
		servedAt := at
		token.ServedAt = &servedAt
	}
	t.snap.tokens[idx] = token
	if models.IsTerminal(to) && token.HolderID != "" {
		if t.releases == nil {
			t.releases = make(map[string]bool)
		}
		if t.claims[token.HolderID] == token.TokenID {
			delete(t.claims, token.HolderID)
		} else {
			t.releases[token.HolderID] = true
		}
	}
	return token, nil
}

func (t *officeTx) AppendEvent(ctx context.Context, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return err
	}
	t.snap.events = append(t.snap.events, store.OutboxEvent{
		EventID:   uuid.NewString(),
		OfficeID:  t.snap.office.OfficeID,
		Type:      change.Type,
		Payload:   payload,
		CreatedAt: change.At,
	})
	if over := len(t.snap.events) - t.store.outboxLimit; over > 0 {
		t.snap.events = append([]store.OutboxEvent(nil), t.snap.events[over:]...)
	}
	return nil
}

func (s *Store) CreateOffice(ctx context.Context, office models.Office) (models.Office, error) {
	office.Name = strings.TrimSpace(office.Name)
	office.Slug = strings.TrimSpace(office.Slug)
	if office.Name == "" || office.Slug == "" {
		return models.Office{}, fmt.Errorf("office name and slug are required: %w", store.ErrInvalidInput)
	}
	if office.OfficeID == "" {
		office.OfficeID = uuid.NewString()
	}
	if office.CreatedAt.IsZero() {
		office.CreatedAt = time.Now().UTC()
	}
	if _, taken := s.slugs.LoadOrStore(office.Slug, office.OfficeID); taken {
		return models.Office{}, fmt.Errorf("slug %q already used: %w", office.Slug, store.ErrInvalidInput)
	}
	entry := &officeEntry{lock: make(chan struct{}, 1)}
	entry.snap.Store(&officeSnapshot{
		office:      office,
		departments: make(map[string]models.Department),
		sequences:   make(map[store.SequenceKey]int),
	})
	if _, exists := s.offices.LoadOrStore(office.OfficeID, entry); exists {
		s.slugs.Delete(office.Slug)
		return models.Office{}, fmt.Errorf("office %s exists: %w", office.OfficeID, store.ErrInvalidInput)
	}
	return office, nil
}

func (s *Store) CreateDepartment(ctx context.Context, department models.Department) (models.Department, error) {
	if department.AvgServiceTimeMins <= 0 {
		return models.Department{}, fmt.Errorf("avg service time must be positive: %w", store.ErrInvalidInput)
	}
	if department.DepartmentID == "" {
		department.DepartmentID = uuid.NewString()
	}
	err := s.WithOffice(ctx, department.OfficeID, func(tx store.OfficeTx) error {
		otx := tx.(*officeTx)
		otx.snap.departments[department.DepartmentID] = department
		return nil
	})
	if err != nil {
		return models.Department{}, err
	}
	return department, nil
}

func (s *Store) GetOffice(ctx context.Context, officeID string) (models.Office, error) {
	entry, ok := s.entry(officeID)
	if !ok {
		return models.Office{}, store.ErrOfficeNotFound
	}
	return entry.snap.Load().office, nil
}

func (s *Store) GetOfficeBySlug(ctx context.Context, slug string) (models.Office, error) {
	value, ok := s.slugs.Load(slug)
	if !ok {
		return models.Office{}, store.ErrOfficeNotFound
	}
	return s.GetOffice(ctx, value.(string))
}

func (s *Store) ListDepartments(ctx context.Context, officeID string) ([]models.Department, error) {
	entry, ok := s.entry(officeID)
	if !ok {
		return nil, store.ErrOfficeNotFound
	}
	snap := entry.snap.Load()
	departments := make([]models.Department, 0, len(snap.departments))
	for _, department := range snap.departments {
		departments = append(departments, department)
	}
	sort.Slice(departments, func(i, j int) bool { return departments[i].Name < departments[j].Name })
	return departments, nil
}

func (s *Store) GetQueueState(ctx context.Context, officeID string) (models.QueueState, bool, error) {
	entry, ok := s.entry(officeID)
	if !ok {
		return models.QueueState{}, false, store.ErrOfficeNotFound
	}
	snap := entry.snap.Load()
	if !snap.hasState {
		return models.QueueState{OfficeID: officeID}, false, nil
	}
	return snap.state, true, nil
}

func (s *Store) GetToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	value, ok := s.tokens.Load(tokenID)
	if !ok {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	entry, ok := s.entry(value.(string))
	if !ok {
		return models.QueueToken{}, store.ErrTokenNotFound
	}
	for _, token := range entry.snap.Load().tokens {
		if token.TokenID == tokenID {
			return token, nil
		}
	}
	return models.QueueToken{}, store.ErrTokenNotFound
}

func (s *Store) ListTokens(ctx context.Context, filter store.TokenFilter) ([]models.QueueToken, error) {
	entry, ok := s.entry(filter.OfficeID)
	if !ok {
		return nil, store.ErrOfficeNotFound
	}
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	var tokens []models.QueueToken
	for _, token := range entry.snap.Load().tokens {
		if filter.ServiceDay != "" && token.ServiceDay != filter.ServiceDay {
			continue
		}
		if len(filter.Statuses) > 0 && !containsString(filter.Statuses, token.Status) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(token.HolderName), search) &&
			!strings.Contains(strconv.Itoa(token.TicketNumber), search) {
			continue
		}
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return models.QueueOrderLess(tokens[i], tokens[j]) })
	if filter.Limit > 0 && len(tokens) > filter.Limit {
		tokens = tokens[:filter.Limit]
	}
	return tokens, nil
}

func (s *Store) ActiveTokenForHolder(ctx context.Context, holderID string) (models.QueueToken, bool, error) {
	s.holdersMu.RLock()
	tokenID, ok := s.holders[holderID]
	s.holdersMu.RUnlock()
	if !ok {
		return models.QueueToken{}, false, nil
	}
	token, err := s.GetToken(ctx, tokenID)
	if err != nil {
		if err == store.ErrTokenNotFound {
			return models.QueueToken{}, false, nil
		}
		return models.QueueToken{}, false, err
	}
	if models.IsTerminal(token.Status) {
		return models.QueueToken{}, false, nil
	}
	return token, true, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, officeID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	entry, ok := s.entry(officeID)
	if !ok {
		return nil, store.ErrOfficeNotFound
	}
	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range entry.snap.Load().events {
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) == limit {
			break
		}
	}
	return events, nil
}

// PutSession registers an operator session forwarded by the identity
// collaborator.
func (s *Store) PutSession(session store.Session, offices []string) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[session.SessionID] = session
	s.access[session.UserID] = append([]string(nil), offices...)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrSessionNotFound
	}
	if !session.ExpiresAt.IsZero() && time.Now().After(session.ExpiresAt) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) GetAccess(ctx context.Context, userID string) ([]string, error) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return append([]string(nil), s.access[userID]...), nil
}

func containsString(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
