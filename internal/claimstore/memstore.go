package claimstore

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process fake satisfying Store, used by every
// component's unit tests so they exercise the real compare-and-set
// semantics (including the partial-unique-index behavior of reviews)
// without a live Mongo instance. Every operation is guarded by a
// single mutex; this module's correctness arguments don't depend on
// the fake's own internal concurrency, only on the atomicity contract
// each method exposes.
type MemStore struct {
	mu         sync.Mutex
	machines   map[string]*Machine
	sessions   map[string]*Session
	tasks      map[string]*Task
	claims     map[string]*ProjectClaim
	reviews    map[string]*ReviewItem
	workspaces map[string]*WorkspaceOrchestration
}

func NewMemStore() *MemStore {
	return &MemStore{
		machines:   make(map[string]*Machine),
		sessions:   make(map[string]*Session),
		tasks:      make(map[string]*Task),
		claims:     make(map[string]*ProjectClaim),
		reviews:    make(map[string]*ReviewItem),
		workspaces: make(map[string]*WorkspaceOrchestration),
	}
}

func (s *MemStore) Ping(context.Context) error          { return nil }
func (s *MemStore) EnsureIndexes(context.Context) error { return nil }

// --- reflection-based filter/update helpers ---

func fieldByBsonTag(v reflect.Value, tag string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("bson"), ",")[0]
		if name == tag {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func derefValue(fv reflect.Value) (any, bool) {
	if fv.Kind() == reflect.Ptr {
		if fv.IsNil() {
			return nil, false
		}
		return fv.Elem().Interface(), true
	}
	return fv.Interface(), true
}

func valuesEqual(fv reflect.Value, target any) bool {
	val, ok := derefValue(fv)
	if target == nil {
		return !ok
	}
	if !ok {
		return false
	}
	return reflect.DeepEqual(val, target)
}

func valueBefore(fv reflect.Value, target any) bool {
	val, ok := derefValue(fv)
	if !ok {
		return false
	}
	t, isTime := val.(time.Time)
	lim, limOk := target.(time.Time)
	if !isTime || !limOk {
		return false
	}
	return t.Before(lim)
}

func valueIn(fv reflect.Value, target any) bool {
	val, ok := derefValue(fv)
	if !ok {
		return false
	}
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Slice {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if reflect.DeepEqual(val, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func matchCondition(fv reflect.Value, cond any) bool {
	condMap, isOpMap := cond.(M)
	if !isOpMap {
		return valuesEqual(fv, cond)
	}
	for op, val := range condMap {
		switch op {
		case "$in":
			if !valueIn(fv, val) {
				return false
			}
		case "$lt":
			if !valueBefore(fv, val) {
				return false
			}
		case "$ne":
			if valuesEqual(fv, val) {
				return false
			}
		}
	}
	return true
}

func matchDoc(doc any, filter M) bool {
	v := reflect.ValueOf(doc)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	for key, cond := range filter {
		fv, ok := fieldByBsonTag(v, key)
		if !ok || !matchCondition(fv, cond) {
			return false
		}
	}
	return true
}

func applySet(doc any, update M) {
	setFields, ok := update["$set"].(M)
	if !ok {
		return
	}
	v := reflect.ValueOf(doc).Elem()
	for key, val := range setFields {
		fv, ok := fieldByBsonTag(v, key)
		if !ok || !fv.CanSet() {
			continue
		}
		if val == nil {
			fv.Set(reflect.Zero(fv.Type()))
			continue
		}
		rv := reflect.ValueOf(val)
		if fv.Kind() == reflect.Ptr {
			p := reflect.New(fv.Type().Elem())
			p.Elem().Set(rv.Convert(fv.Type().Elem()))
			fv.Set(p)
			continue
		}
		fv.Set(rv.Convert(fv.Type()))
	}
}

// --- Machines ---

func (s *MemStore) InsertMachine(_ context.Context, m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.machines[m.MachineID]; exists {
		return ErrDuplicateKey
	}
	cp := *m
	s.machines[m.MachineID] = &cp
	return nil
}

func (s *MemStore) GetMachine(_ context.Context, machineID string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[machineID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) FindAndUpdateMachine(_ context.Context, filter, update M) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.machines {
		if matchDoc(m, filter) {
			applySet(m, update)
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListMachines(_ context.Context, filter M) ([]*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Machine
	for _, m := range s.machines {
		if matchDoc(m, filter) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

func (s *MemStore) UpdateManyMachines(_ context.Context, filter, update M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.machines {
		if matchDoc(m, filter) {
			applySet(m, update)
			n++
		}
	}
	return n, nil
}

// --- Sessions ---

func (s *MemStore) InsertSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.SessionID]; exists {
		return ErrDuplicateKey
	}
	// Mirrors the Mongo store's partial unique index on (machine_id,
	// slot): only occupying-status rows are covered, and a missing/nil
	// slot indexes the same as any other missing/nil slot on that
	// machine, so two occupying inserts with no slot chosen yet for the
	// same machine collide exactly as they would against the real index.
	if sess.Occupying() {
		for _, other := range s.sessions {
			if !other.Occupying() {
				continue
			}
			if other.MachineID == sess.MachineID && slotsEqual(other.Slot, sess.Slot) {
				return ErrDuplicateKey
			}
		}
	}
	cp := *sess
	s.sessions[sess.SessionID] = &cp
	return nil
}

func slotsEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *MemStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *MemStore) FindAndUpdateSession(_ context.Context, filter, update M) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if matchDoc(sess, filter) {
			applySet(sess, update)
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListSessions(_ context.Context, filter M, opts ListOpts) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if matchDoc(sess, filter) {
			cp := *sess
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return paginate(out, opts), nil
}

func (s *MemStore) UpdateManySessions(_ context.Context, filter, update M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sess := range s.sessions {
		if matchDoc(sess, filter) {
			applySet(sess, update)
			n++
		}
	}
	return n, nil
}

func (s *MemStore) AssignSlot(_ context.Context, sessionID, machineID string, slot int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	for id, other := range s.sessions {
		if id == sessionID || !other.Occupying() {
			continue
		}
		if other.MachineID == machineID && other.Slot != nil && *other.Slot == slot {
			return nil, ErrDuplicateKey
		}
	}
	target.MachineID = machineID
	target.Slot = &slot
	target.Status = SessionActive
	cp := *target
	return &cp, nil
}

func (s *MemStore) ReleaseSlot(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	target.Slot = nil
	cp := *target
	return &cp, nil
}

// --- Tasks ---

func (s *MemStore) InsertTask(_ context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.TaskID]; exists {
		return ErrDuplicateKey
	}
	cp := *t
	s.tasks[t.TaskID] = &cp
	return nil
}

func (s *MemStore) GetTask(_ context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemStore) FindAndUpdateTask(_ context.Context, filter, update M) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if matchDoc(t, filter) {
			applySet(t, update)
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListTasks(_ context.Context, filter M) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Task
	for _, t := range s.tasks {
		if matchDoc(t, filter) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Project claims ---

func (s *MemStore) InsertProjectClaim(_ context.Context, c *ProjectClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(c.ProjectNumber, c.IssueNumber)
	if _, exists := s.claims[key]; exists {
		return ErrDuplicateKey
	}
	cp := *c
	s.claims[key] = &cp
	return nil
}

func (s *MemStore) GetProjectClaim(_ context.Context, projectNumber, issueNumber int) (*ProjectClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimKey(projectNumber, issueNumber)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemStore) DeleteProjectClaim(_ context.Context, projectNumber, issueNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := claimKey(projectNumber, issueNumber)
	if _, ok := s.claims[key]; !ok {
		return ErrNotFound
	}
	delete(s.claims, key)
	return nil
}

func (s *MemStore) ListProjectClaims(_ context.Context, filter M) ([]*ProjectClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ProjectClaim
	for _, c := range s.claims {
		if matchDoc(c, filter) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectNumber != out[j].ProjectNumber {
			return out[i].ProjectNumber < out[j].ProjectNumber
		}
		return out[i].IssueNumber < out[j].IssueNumber
	})
	return out, nil
}

func claimKey(projectNumber, issueNumber int) string {
	return strings.Join([]string{itoa(projectNumber), itoa(issueNumber)}, "/")
}

func itoa(n int) string {
	neg := n < 0
	if n == 0 {
		return "0"
	}
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// --- Reviews ---

func (s *MemStore) InsertReview(_ context.Context, r *ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reviews[r.ReviewID]; exists {
		return ErrDuplicateKey
	}
	if isOpenReviewStatus(r.Status) {
		for _, existing := range s.reviews {
			if existing.ProjectNumber == r.ProjectNumber && existing.IssueNumber == r.IssueNumber && isOpenReviewStatus(existing.Status) {
				return ErrDuplicateKey
			}
		}
	}
	cp := *r
	s.reviews[r.ReviewID] = &cp
	return nil
}

func isOpenReviewStatus(status string) bool {
	for _, st := range OpenReviewStatuses {
		if status == st {
			return true
		}
	}
	return false
}

func (s *MemStore) GetReview(_ context.Context, reviewID string) (*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[reviewID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) FindReviewByPair(_ context.Context, projectNumber, issueNumber int, statuses []string) (*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviews {
		if r.ProjectNumber != projectNumber || r.IssueNumber != issueNumber {
			continue
		}
		for _, st := range statuses {
			if r.Status == st {
				cp := *r
				return &cp, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) FindAndUpdateReview(_ context.Context, filter, update M) (*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviews {
		if matchDoc(r, filter) {
			applySet(r, update)
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) ListReviews(_ context.Context, filter M, opts ListOpts) ([]*ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ReviewItem
	for _, r := range s.reviews {
		if matchDoc(r, filter) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return paginate(out, opts), nil
}

func (s *MemStore) DeleteManyReviews(_ context.Context, filter M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.reviews {
		if matchDoc(r, filter) {
			delete(s.reviews, id)
			n++
		}
	}
	return n, nil
}

// --- Workspace orchestration ---

func (s *MemStore) GetWorkspace(_ context.Context, workspaceID string) (*WorkspaceOrchestration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemStore) FindAndUpdateWorkspace(_ context.Context, filter, update M) (*WorkspaceOrchestration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workspaces {
		if matchDoc(w, filter) {
			applySet(w, update)
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) UpsertWorkspace(_ context.Context, workspaceID string, mutate func(*WorkspaceOrchestration)) (*WorkspaceOrchestration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[workspaceID]
	if !ok {
		w = &WorkspaceOrchestration{WorkspaceID: workspaceID}
		s.workspaces[workspaceID] = w
	}
	mutate(w)
	w.LastUpdated = time.Now()
	cp := *w
	return &cp, nil
}

func (s *MemStore) ListWorkspaces(_ context.Context) ([]*WorkspaceOrchestration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*WorkspaceOrchestration
	for _, w := range s.workspaces {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func paginate[T any](items []T, opts ListOpts) []T {
	if opts.Offset > 0 {
		if int(opts.Offset) >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && int64(len(items)) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
