package application_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ericfisherdev/xerosync/internal/domain/model"
	"github.com/ericfisherdev/xerosync/internal/domain/port/driven"
)

// --- Credential store ---

type mockCredentialStore struct {
	mu    sync.Mutex
	creds map[string]model.Credential
	saves int
}

func newMockCredentialStore(creds ...model.Credential) *mockCredentialStore {
	m := &mockCredentialStore{creds: make(map[string]model.Credential)}
	for _, c := range creds {
		m.creds[c.TenantID] = c
	}
	return m
}

func (m *mockCredentialStore) Get(_ context.Context, tenantID string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[tenantID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockCredentialStore) Save(_ context.Context, cred model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.TenantID] = cred
	m.saves++
	return nil
}

func (m *mockCredentialStore) Latest(_ context.Context) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *model.Credential
	for _, c := range m.creds {
		if latest == nil || c.UpdatedAt.After(latest.UpdatedAt) {
			latest = &c
		}
	}
	return latest, nil
}

// --- Authorization provider ---

type mockAuthProvider struct {
	mu           sync.Mutex
	refreshCalls int
	refreshErr   error
	refreshGate  chan struct{}
	expiry       time.Time
	tenants      []string
	exchanged    string
}

func (m *mockAuthProvider) AuthCodeURL(state string) string {
	return "https://login.example.test/authorize?state=" + state
}

func (m *mockAuthProvider) Exchange(_ context.Context, code string) (model.Credential, error) {
	m.exchanged = code
	return model.Credential{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, Expiry: m.expiry}, nil
}

func (m *mockAuthProvider) Refresh(_ context.Context, refreshToken string) (model.Credential, error) {
	if m.refreshGate != nil {
		<-m.refreshGate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	if m.refreshErr != nil {
		return model.Credential{}, m.refreshErr
	}
	n := strconv.Itoa(m.refreshCalls)
	return model.Credential{
		AccessToken:  "access-" + n,
		RefreshToken: refreshToken + "-rotated-" + n,
		TokenType:    "Bearer",
		Expiry:       m.expiry,
	}, nil
}

func (m *mockAuthProvider) Tenants(_ context.Context, _ string) ([]string, error) {
	return m.tenants, nil
}

func (m *mockAuthProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls
}

// --- Token provider ---

type stubTokens struct {
	mu           sync.Mutex
	tenant       string
	access       string
	forceCalls   int
	forceErr     error
	getErr       error
	rotateAccess string
}

func (s *stubTokens) GetValidToken(_ context.Context, tenantID string) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return model.Credential{}, s.getErr
	}
	return model.Credential{TenantID: tenantID, AccessToken: s.access}, nil
}

func (s *stubTokens) ForceRefresh(_ context.Context, tenantID, _ string) (model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceCalls++
	if s.forceErr != nil {
		return model.Credential{}, s.forceErr
	}
	if s.rotateAccess != "" {
		s.access = s.rotateAccess
	}
	return model.Credential{TenantID: tenantID, AccessToken: s.access}, nil
}

func (s *stubTokens) ResolveTenant(_ context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenantID != "" {
		return tenantID, nil
	}
	if s.tenant == "" {
		return "", driven.ErrNoCredential
	}
	return s.tenant, nil
}

// --- Source client ---

type remoteRecord struct {
	updated time.Time
	raw     json.RawMessage
}

type fetchCall struct {
	Entity    model.EntityType
	Since     *time.Time
	PageToken string
	Access    string
}

// fakeSource serves records filtered by modifiedSince (exclusive) and paged
// by pageSize. Queued failures are returned before any page is served.
type fakeSource struct {
	mu       sync.Mutex
	pageSize int
	records  map[model.EntityType][]remoteRecord
	failures []error
	calls    []fetchCall
	onFetch  func(call fetchCall)
}

func newFakeSource() *fakeSource {
	return &fakeSource{pageSize: 2, records: make(map[model.EntityType][]remoteRecord)}
}

func (f *fakeSource) add(entity model.EntityType, updated time.Time, raw string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[entity] = append(f.records[entity], remoteRecord{updated: updated, raw: json.RawMessage(raw)})
}

func (f *fakeSource) fail(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *fakeSource) FetchPage(_ context.Context, cred model.Credential, entity model.EntityType, since *time.Time, pageToken string) (model.Page, error) {
	f.mu.Lock()
	call := fetchCall{Entity: entity, Since: since, PageToken: pageToken, Access: cred.AccessToken}
	f.calls = append(f.calls, call)
	onFetch := f.onFetch
	var failure error
	if len(f.failures) > 0 {
		failure = f.failures[0]
		f.failures = f.failures[1:]
	}
	var matched []json.RawMessage
	for _, r := range f.records[entity] {
		if since == nil || r.updated.After(*since) {
			matched = append(matched, r.raw)
		}
	}
	f.mu.Unlock()

	if onFetch != nil {
		onFetch(call)
	}
	if failure != nil {
		return model.Page{}, failure
	}

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return model.Page{}, fmt.Errorf("bad page token %q", pageToken)
		}
		start = n
	}
	if start > len(matched) {
		start = len(matched)
	}
	end := min(start+f.pageSize, len(matched))

	page := model.Page{Records: matched[start:end]}
	if end < len(matched) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *fakeSource) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

// --- Target store ---

type memTarget struct {
	mu          sync.Mutex
	contacts    map[string]model.Contact
	invoices    map[string]model.Invoice
	lineItems   map[string]model.LineItem
	applies     int
	applyErr    error
	hwmErr      error
	beforeApply func() // runs ahead of each Apply, outside the lock
}

func newMemTarget() *memTarget {
	return &memTarget{
		contacts:  make(map[string]model.Contact),
		invoices:  make(map[string]model.Invoice),
		lineItems: make(map[string]model.LineItem),
	}
}

func (m *memTarget) ExistingIDs(_ context.Context, tenantID string, entity model.EntityType, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		switch entity {
		case model.EntityContacts:
			if _, ok := m.contacts[tenantID+"/"+id]; ok {
				out[id] = true
			}
		case model.EntityInvoices:
			if _, ok := m.invoices[id]; ok {
				out[id] = true
			}
		case model.EntityLineItems:
			if _, ok := m.lineItems[id]; ok {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (m *memTarget) Apply(_ context.Context, batch model.Batch) (model.WriteResult, error) {
	if m.beforeApply != nil {
		m.beforeApply()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return model.WriteResult{}, m.applyErr
	}
	m.applies++

	var res model.WriteResult
	for _, c := range batch.Contacts {
		key := c.TenantID + "/" + c.ContactID
		bump(&res.Contacts, m.contacts, key)
		m.contacts[key] = c
	}
	for _, inv := range batch.Invoices {
		bump(&res.Invoices, m.invoices, inv.InvoiceID)
		inv.LineItems = nil
		m.invoices[inv.InvoiceID] = inv
	}
	for _, li := range batch.LineItems {
		bump(&res.LineItems, m.lineItems, li.Key())
		m.lineItems[li.Key()] = li
	}
	return res, nil
}

func bump[T any](tally *model.Tally, stored map[string]T, key string) {
	tally.Processed++
	if _, ok := stored[key]; ok {
		tally.Updated++
	} else {
		tally.Created++
	}
}

func (m *memTarget) HighWaterMark(_ context.Context, tenantID string, entity model.EntityType) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hwmErr != nil {
		return nil, m.hwmErr
	}

	var hwm *time.Time
	consider := func(t time.Time) {
		if hwm == nil || t.After(*hwm) {
			t := t
			hwm = &t
		}
	}
	switch entity {
	case model.EntityContacts:
		for _, c := range m.contacts {
			if c.TenantID == tenantID {
				consider(c.UpdatedAt)
			}
		}
	case model.EntityInvoices, model.EntityLineItems:
		for _, inv := range m.invoices {
			if inv.TenantID == tenantID {
				consider(inv.UpdatedAt)
			}
		}
	}
	return hwm, nil
}

func (m *memTarget) Count(_ context.Context, _ string, entity model.EntityType) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch entity {
	case model.EntityContacts:
		return len(m.contacts), nil
	case model.EntityInvoices:
		return len(m.invoices), nil
	case model.EntityLineItems:
		return len(m.lineItems), nil
	}
	return 0, nil
}

// snapshot returns a stable rendering of the stored state.
func (m *memTarget) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k, v := range m.contacts {
		out = append(out, fmt.Sprintf("c %s %+v", k, v))
	}
	for k, v := range m.invoices {
		out = append(out, fmt.Sprintf("i %s %+v", k, v))
	}
	for k, v := range m.lineItems {
		out = append(out, fmt.Sprintf("l %s %+v", k, v))
	}
	sort.Strings(out)
	return out
}

// --- Sync run store ---

type memRuns struct {
	mu       sync.Mutex
	runs     map[string]model.SyncRun
	order    []string
	finishes int
	beats    int
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[string]model.SyncRun)}
}

func (m *memRuns) Create(_ context.Context, run model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.TenantID == run.TenantID && r.Status == model.RunStatusRunning {
			return driven.ErrRunInProgress
		}
	}
	if run.HeartbeatAt.IsZero() {
		run.HeartbeatAt = run.StartTime
	}
	m.runs[run.ID] = run
	m.order = append(m.order, run.ID)
	return nil
}

func (m *memRuns) Heartbeat(_ context.Context, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[runID]
	if !ok || stored.Status != model.RunStatusRunning {
		return driven.ErrRunFinalized
	}
	stored.HeartbeatAt = at
	m.runs[runID] = stored
	m.beats++
	return nil
}

func (m *memRuns) Finish(_ context.Context, run model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[run.ID]
	if !ok || stored.Status != model.RunStatusRunning {
		return driven.ErrRunFinalized
	}
	m.runs[run.ID] = run
	m.finishes++
	return nil
}

func (m *memRuns) Get(_ context.Context, id string) (*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memRuns) Running(_ context.Context, tenantID string) (*model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.TenantID == tenantID && r.Status == model.RunStatusRunning {
			return &r, nil
		}
	}
	return nil, nil
}

func (m *memRuns) List(_ context.Context, tenantID string, limit int) ([]model.SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SyncRun
	for i := len(m.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		r := m.runs[m.order[i]]
		if tenantID == "" || r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- Error log ---

type memErrorLog struct {
	mu      sync.Mutex
	entries []model.ErrorEntry
}

func (m *memErrorLog) Append(_ context.Context, entry model.ErrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memErrorLog) List(_ context.Context, limit int) ([]model.ErrorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ErrorEntry
	for i := len(m.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *memErrorLog) byKind(kind string) []model.ErrorEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ErrorEntry
	for _, e := range m.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// --- Fixtures ---

func contactJSON(id, name string, updated time.Time) string {
	return fmt.Sprintf(`{"ContactID":%q,"Name":%q,"ContactStatus":"ACTIVE","IsCustomer":true,"UpdatedDateUTC":"/Date(%d+0000)/"}`,
		id, name, updated.UnixMilli())
}

func invoiceJSON(id, number, total string, updated time.Time, lineIDs ...string) string {
	lines := "["
	for i, lid := range lineIDs {
		if i > 0 {
			lines += ","
		}
		lines += fmt.Sprintf(`{"LineItemID":%q,"Description":"line %d","Quantity":1,"UnitAmount":%s,"LineAmount":%s}`, lid, i, total, total)
	}
	lines += "]"
	return fmt.Sprintf(`{"InvoiceID":%q,"InvoiceNumber":%q,"Type":"ACCREC","Status":"AUTHORISED","Contact":{"ContactID":"c-1","Name":"Acme"},"CurrencyCode":"NZD","Date":"/Date(1704067200000+0000)/","Total":%s,"SubTotal":%s,"UpdatedDateUTC":"/Date(%d+0000)/","LineItems":%s}`,
		id, number, total, total, updated.UnixMilli(), lines)
}
