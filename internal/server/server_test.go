package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ligvox/ligvox/internal/campaign"
	"github.com/ligvox/ligvox/internal/session"
	"github.com/ligvox/ligvox/internal/store"
	"github.com/ligvox/ligvox/internal/switchio"
	"github.com/ligvox/ligvox/pkg/types"
)

// fakeBackend implements every server dependency in memory.
type fakeBackend struct {
	calls     map[string]*store.Call
	messages  map[string][]store.CallMessage
	prompts   map[int64]*store.Prompt
	campaigns map[int64]*store.Campaign
	contacts  map[int64][]store.Contact
	schedules map[int64]*store.ScheduledCall
	webhooks  map[int64]*store.WebhookConfig
	nextID    int64

	active []types.CallInfo
	hungUp []string

	settings map[string]string

	dialed  []string
	dialErr error

	campaignActions []string
	testStatus      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:      make(map[string]*store.Call),
		messages:   make(map[string][]store.CallMessage),
		prompts:    make(map[int64]*store.Prompt),
		campaigns:  make(map[int64]*store.Campaign),
		contacts:   make(map[int64][]store.Contact),
		schedules:  make(map[int64]*store.ScheduledCall),
		webhooks:   make(map[int64]*store.WebhookConfig),
		settings:   map[string]string{"max_concurrent_calls": "15"},
		testStatus: http.StatusOK,
	}
}

func (f *fakeBackend) id() int64 { f.nextID++; return f.nextID }

// --- Store ---

func (f *fakeBackend) GetCall(_ context.Context, callID string) (*store.Call, []store.CallMessage, error) {
	c, ok := f.calls[callID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	return c, f.messages[callID], nil
}

func (f *fakeBackend) ListCalls(_ context.Context, limit, offset int) ([]store.Call, int, error) {
	var out []store.Call
	for _, c := range f.calls {
		out = append(out, *c)
	}
	return out, len(f.calls), nil
}

func (f *fakeBackend) DeleteCall(_ context.Context, callID string) error {
	if _, ok := f.calls[callID]; !ok {
		return store.ErrNotFound
	}
	delete(f.calls, callID)
	return nil
}

func (f *fakeBackend) Stats(context.Context) (store.CallStats, error) {
	return store.CallStats{TotalCalls: int64(len(f.calls))}, nil
}

func (f *fakeBackend) CreatePrompt(_ context.Context, p store.Prompt) (*store.Prompt, error) {
	p.ID = f.id()
	p.CreatedAt = time.Now()
	f.prompts[p.ID] = &p
	return &p, nil
}

func (f *fakeBackend) UpdatePrompt(_ context.Context, p store.Prompt) (*store.Prompt, error) {
	if _, ok := f.prompts[p.ID]; !ok {
		return nil, store.ErrNotFound
	}
	f.prompts[p.ID] = &p
	return &p, nil
}

func (f *fakeBackend) GetPrompt(_ context.Context, id int64) (*store.Prompt, error) {
	p, ok := f.prompts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeBackend) ListPrompts(context.Context) ([]store.Prompt, error) {
	var out []store.Prompt
	for _, p := range f.prompts {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeBackend) ActivatePrompt(_ context.Context, id int64) error {
	p, ok := f.prompts[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, other := range f.prompts {
		other.IsActive = false
	}
	p.IsActive = true
	return nil
}

func (f *fakeBackend) DeletePrompt(_ context.Context, id int64) error {
	if _, ok := f.prompts[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.prompts, id)
	return nil
}

func (f *fakeBackend) CreateCampaign(_ context.Context, c store.Campaign) (*store.Campaign, error) {
	c.ID = f.id()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	c.Status = store.CampaignPending
	f.campaigns[c.ID] = &c
	return &c, nil
}

func (f *fakeBackend) GetCampaign(_ context.Context, id int64) (*store.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeBackend) ListCampaigns(context.Context) ([]store.Campaign, error) {
	var out []store.Campaign
	for _, c := range f.campaigns {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeBackend) ListContacts(_ context.Context, campaignID int64) ([]store.Contact, error) {
	return f.contacts[campaignID], nil
}

func (f *fakeBackend) CampaignProgress(_ context.Context, campaignID int64) (store.CampaignProgress, error) {
	return store.CampaignProgress{Total: len(f.contacts[campaignID])}, nil
}

func (f *fakeBackend) CreateSchedule(_ context.Context, sc store.ScheduledCall) (*store.ScheduledCall, error) {
	sc.ID = f.id()
	sc.Status = store.SchedulePending
	f.schedules[sc.ID] = &sc
	return &sc, nil
}

func (f *fakeBackend) ListSchedules(context.Context) ([]store.ScheduledCall, error) {
	var out []store.ScheduledCall
	for _, sc := range f.schedules {
		out = append(out, *sc)
	}
	return out, nil
}

func (f *fakeBackend) CancelSchedule(_ context.Context, id int64) error {
	sc, ok := f.schedules[id]
	if !ok || sc.Status != store.SchedulePending {
		return store.ErrNotFound
	}
	sc.Status = store.ScheduleCancelled
	return nil
}

func (f *fakeBackend) CreateWebhook(_ context.Context, w store.WebhookConfig) (*store.WebhookConfig, error) {
	w.ID = f.id()
	f.webhooks[w.ID] = &w
	return &w, nil
}

func (f *fakeBackend) UpdateWebhook(_ context.Context, w store.WebhookConfig) (*store.WebhookConfig, error) {
	if _, ok := f.webhooks[w.ID]; !ok {
		return nil, store.ErrNotFound
	}
	f.webhooks[w.ID] = &w
	return &w, nil
}

func (f *fakeBackend) GetWebhook(_ context.Context, id int64) (*store.WebhookConfig, error) {
	w, ok := f.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeBackend) ListWebhooks(context.Context) ([]store.WebhookConfig, error) {
	var out []store.WebhookConfig
	for _, w := range f.webhooks {
		out = append(out, *w)
	}
	return out, nil
}

func (f *fakeBackend) DeleteWebhook(_ context.Context, id int64) error {
	if _, ok := f.webhooks[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.webhooks, id)
	return nil
}

func (f *fakeBackend) ListDeliveries(_ context.Context, webhookID int64, limit int) ([]store.WebhookDelivery, error) {
	if _, ok := f.webhooks[webhookID]; !ok {
		return nil, nil
	}
	return []store.WebhookDelivery{{WebhookID: webhookID, Event: "call.ended", Attempt: 1, StatusCode: 200}}, nil
}

// --- Sessions ---

func (f *fakeBackend) Snapshot() []types.CallInfo { return f.active }

func (f *fakeBackend) Hangup(callID, _ string) bool {
	for _, c := range f.active {
		if c.CallID == callID {
			f.hungUp = append(f.hungUp, callID)
			return true
		}
	}
	return false
}

func (f *fakeBackend) Count() int { return len(f.active) }

// --- Settings ---

func (f *fakeBackend) Masked() map[string]string { return f.settings }

func (f *fakeBackend) Set(_ context.Context, key, value string) error {
	if key == "max_concurrent_calls" && value == "zero" {
		return errors.New("settings: max_concurrent_calls must be a positive integer")
	}
	f.settings[key] = value
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	if _, ok := f.settings[key]; !ok {
		return store.ErrNotFound
	}
	delete(f.settings, key)
	return nil
}

// --- Campaigns manager ---

func (f *fakeBackend) Start(_ context.Context, id int64) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	if c.Status == store.CampaignCancelled {
		return campaign.ErrNotRunnable
	}
	c.Status = store.CampaignRunning
	f.campaignActions = append(f.campaignActions, "start")
	return nil
}

func (f *fakeBackend) Pause(_ context.Context, id int64) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = store.CampaignPaused
	f.campaignActions = append(f.campaignActions, "pause")
	return nil
}

func (f *fakeBackend) Cancel(_ context.Context, id int64) error {
	c, ok := f.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = store.CampaignCancelled
	f.campaignActions = append(f.campaignActions, "cancel")
	return nil
}

func (f *fakeBackend) ImportContacts(_ context.Context, campaignID int64, r io.Reader) (campaign.ImportResult, error) {
	if _, ok := f.campaigns[campaignID]; !ok {
		return campaign.ImportResult{}, store.ErrNotFound
	}
	contacts, rejected, err := campaign.ParseContactsCSV(r)
	if err != nil {
		return campaign.ImportResult{}, err
	}
	f.contacts[campaignID] = append(f.contacts[campaignID], contacts...)
	return campaign.ImportResult{Parsed: len(contacts) + len(rejected), Imported: len(contacts), Rejected: rejected}, nil
}

// --- Webhook tester ---

func (f *fakeBackend) TestDelivery(_ context.Context, id int64) (int, error) {
	if _, ok := f.webhooks[id]; !ok {
		return 0, store.ErrNotFound
	}
	return f.testStatus, nil
}

// --- harness ---

func newTestServer(t *testing.T) (*fakeBackend, *httptest.Server) {
	t.Helper()
	fb := newFakeBackend()
	dial := func(_ context.Context, callID, number string, _ *int64) error {
		if fb.dialErr != nil {
			return fb.dialErr
		}
		if _, err := switchio.NormalizeNumber(number); err != nil {
			return err
		}
		fb.dialed = append(fb.dialed, callID)
		return nil
	}
	srv := New(fb, fb, fb, fb, fb, dial, nil, nil)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return fb, ts
}

func doJSON(t *testing.T, method, url string, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && raw[0] == '{' {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func TestDialEndpoint(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/calls/dial", `{"number":"11987654321"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	callID, _ := body["call_id"].(string)
	if !strings.HasPrefix(callID, "call-") {
		t.Errorf("call_id = %q", callID)
	}
	if len(fb.dialed) != 1 {
		t.Errorf("dial invoked %d times", len(fb.dialed))
	}
}

func TestDialValidation(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing number", `{}`, http.StatusBadRequest},
		{"bad number", `{"number":"abc"}`, http.StatusBadRequest},
		{"bad json", `{{{`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := doJSON(t, http.MethodPost, ts.URL+"/calls/dial", tc.body)
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestDialAtCapacity(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)
	fb.dialErr = session.ErrAtCapacity

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/calls/dial", `{"number":"11987654321"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}

func TestHangupEndpoint(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)
	fb.active = []types.CallInfo{{CallID: "call-1", State: types.StateListening}}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/calls/call-1/hangup", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(fb.hungUp) != 1 || fb.hungUp[0] != "call-1" {
		t.Errorf("hung up = %v", fb.hungUp)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/calls/ghost/hangup", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown call status = %d, want 404", resp.StatusCode)
	}
}

func TestActiveCalls(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)
	fb.active = []types.CallInfo{
		{CallID: "call-a", State: types.StateSpeaking},
		{CallID: "call-b", State: types.StateListening},
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/calls/active", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v", body["count"])
	}
}

func TestGetCallWithTranscript(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)
	fb.calls["call-1"] = &store.Call{CallID: "call-1", Status: "completed", Summary: "Cliente pediu segunda via."}
	fb.messages["call-1"] = []store.CallMessage{
		{CallID: "call-1", Seq: 1, Role: "user", Content: "Oi"},
		{CallID: "call-1", Seq: 2, Role: "assistant", Content: "Olá!"},
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/calls/call-1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msgs := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("messages = %d", len(msgs))
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/calls/ghost", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown call status = %d", resp.StatusCode)
	}
}

func TestPromptLifecycle(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/prompts",
		`{"name":"atendente","system_prompt":"Você é a atendente da clínica.","voice_id":"pt-BR-isadora","temperature":0.7}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if body["id"].(float64) != 1 {
		t.Fatalf("id = %v", body["id"])
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/prompts/1/activate", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}
	if body["is_active"] != true {
		t.Errorf("is_active = %v", body["is_active"])
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/prompts/1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
}

func TestPromptValidation(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/prompts", `{"name":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing system_prompt status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/prompts",
		`{"name":"x","system_prompt":"y","temperature":3.5}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad temperature status = %d", resp.StatusCode)
	}
}

func TestCampaignEndpoints(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/campaigns", `{"name":"cobranca","max_concurrent":3}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := int64(body["id"].(float64))

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/campaigns/1/contacts",
		"phone_number,name\n11987654321,Ana\n")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d", resp.StatusCode)
	}
	if body["imported"].(float64) != 1 {
		t.Errorf("imported = %v", body["imported"])
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/campaigns/1/start", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if fb.campaigns[id].Status != store.CampaignRunning {
		t.Errorf("status = %s", fb.campaigns[id].Status)
	}

	// Cancel, then starting again conflicts.
	doJSON(t, http.MethodPost, ts.URL+"/campaigns/1/cancel", "")
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/campaigns/1/start", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("restart after cancel status = %d, want 409", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)

	when := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/schedules",
		`{"number":"5511987654321","scheduled_time":"`+when+`"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	id := int64(body["id"].(float64))

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/schedules/1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	if fb.schedules[id].Status != store.ScheduleCancelled {
		t.Errorf("status = %s", fb.schedules[id].Status)
	}

	// A second cancel finds nothing pending.
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/schedules/1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("double cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestSchedulePastTimeRejected(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	when := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/schedules",
		`{"number":"5511987654321","scheduled_time":"`+when+`"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebhookEndpoints(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/webhooks",
		`{"url":"https://example.com/hook","events":["call.ended"],"secret":"s3cret"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	if _, leaked := body["secret"]; leaked {
		t.Error("secret echoed in response")
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/webhooks/1/test", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test status = %d", resp.StatusCode)
	}
	if body["delivered"] != true {
		t.Errorf("delivered = %v", body["delivered"])
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/webhooks/1/deliveries", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("deliveries status = %d", resp.StatusCode)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/settings", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["max_concurrent_calls"] != "15" {
		t.Errorf("settings = %v", body)
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/settings/max_concurrent_calls", `{"value":"20"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	if fb.settings["max_concurrent_calls"] != "20" {
		t.Errorf("value = %s", fb.settings["max_concurrent_calls"])
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/settings/max_concurrent_calls", `{"value":"zero"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid value status = %d, want 400", resp.StatusCode)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	fb, ts := newTestServer(t)
	fb.calls["call-1"] = &store.Call{CallID: "call-1"}
	fb.active = []types.CallInfo{{CallID: "call-2"}}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["total_calls"].(float64) != 1 || body["active_calls"].(float64) != 1 {
		t.Errorf("stats = %v", body)
	}
}

func TestDashboardRoutes(t *testing.T) {
	t.Parallel()

	fb := newFakeBackend()
	srv := New(fb, fb, fb, fb, fb, nil, NewHub(nil, nil), nil)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	for _, path := range []string{"/dashboard", "/ws/dashboard"} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
		if err != nil {
			t.Errorf("dial %s: %v", path, err)
		} else {
			conn.Close(websocket.StatusNormalClosure, "")
		}
		cancel()
	}
}
