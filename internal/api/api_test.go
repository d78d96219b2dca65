package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/TriggerPipe/internal/models"
	"github.com/BTreeMap/TriggerPipe/internal/store"
	"github.com/BTreeMap/TriggerPipe/internal/trigger"
)

// newTestServer creates a Server over an in-memory store with no admin capability.
func newTestServer() (*Server, *store.InMemoryStore) {
	st := store.NewInMemoryStore()
	registry := trigger.NewRegistry(st)
	service := trigger.NewService(st, registry, nil)
	limiter := trigger.NewLimiter(nil)
	engine := trigger.NewEngine(registry, limiter, trigger.NewEvaluator(nil), st, nil)
	return NewServer(service, engine), st
}

func createJSONRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func assertHTTPStatus(t *testing.T, want, got int, context string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: status = %d, want %d", context, got, want)
	}
}

func assertJSONStatus(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != want {
		t.Errorf("response status = %q, want %q (message: %s)", resp.Status, want, resp.Message)
	}
}

func createTestTrigger(t *testing.T, server *Server, name, pattern string) {
	t.Helper()
	body := fmt.Sprintf(`{"chat_id":"c1","creator_id":"u1","name":%q,"kind":"contains","pattern":%q,"responses":[{"text":"hi {user_id}"}]}`, name, pattern)
	rr := httptest.NewRecorder()
	server.triggersHandler(rr, createJSONRequest(t, "POST", "/triggers", body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("failed to create trigger %s: status %d, body %s", name, rr.Code, rr.Body.String())
	}
}

func TestCreateTriggerHandler_Success(t *testing.T) {
	server, _ := newTestServer()
	rr := httptest.NewRecorder()
	server.triggersHandler(rr, createJSONRequest(t, "POST", "/triggers",
		`{"chat_id":"c1","creator_id":"u1","name":"greet","kind":"contains","pattern":"hello","responses":[{"text":"hi"}],"cooldown_seconds":60}`))

	assertHTTPStatus(t, http.StatusCreated, rr.Code, "create trigger success")
	assertJSONStatus(t, rr, "created")
}

func TestCreateTriggerHandler_InvalidJSON(t *testing.T) {
	server, _ := newTestServer()
	rr := httptest.NewRecorder()
	server.triggersHandler(rr, createJSONRequest(t, "POST", "/triggers", `{not json`))

	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "create trigger invalid JSON")
	assertJSONStatus(t, rr, "error")
}

func TestCreateTriggerHandler_BadRegex(t *testing.T) {
	server, _ := newTestServer()
	rr := httptest.NewRecorder()
	server.triggersHandler(rr, createJSONRequest(t, "POST", "/triggers",
		`{"chat_id":"c1","creator_id":"u1","name":"re","kind":"regex","pattern":"(","responses":[{"text":"hi"}]}`))

	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "create trigger bad regex")
	assertJSONStatus(t, rr, "error")
}

func TestCreateTriggerHandler_Duplicate(t *testing.T) {
	server, _ := newTestServer()
	createTestTrigger(t, server, "greet", "hello")

	rr := httptest.NewRecorder()
	server.triggersHandler(rr, createJSONRequest(t, "POST", "/triggers",
		`{"chat_id":"c1","creator_id":"u1","name":"greet","kind":"contains","pattern":"hey","responses":[{"text":"yo"}]}`))

	assertHTTPStatus(t, http.StatusConflict, rr.Code, "create duplicate trigger")
	assertJSONStatus(t, rr, "error")
}

func TestListTriggersHandler(t *testing.T) {
	server, _ := newTestServer()
	createTestTrigger(t, server, "greet", "hello")
	createTestTrigger(t, server, "bye", "goodbye")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/triggers?chat_id=c1", nil)
	server.triggersHandler(rr, req)

	assertHTTPStatus(t, http.StatusOK, rr.Code, "list triggers")

	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	triggers := resp.Result.([]interface{})
	if len(triggers) != 2 {
		t.Errorf("expected 2 triggers, got %d", len(triggers))
	}
}

func TestDeleteTriggerHandler(t *testing.T) {
	server, _ := newTestServer()
	createTestTrigger(t, server, "greet", "hello")

	// A stranger may not remove it
	rr := httptest.NewRecorder()
	server.triggersHandler(rr, httptest.NewRequest("DELETE", "/triggers?chat_id=c1&name=greet&caller_id=u2", nil))
	assertHTTPStatus(t, http.StatusForbidden, rr.Code, "delete by stranger")

	// The creator may
	rr = httptest.NewRecorder()
	server.triggersHandler(rr, httptest.NewRequest("DELETE", "/triggers?chat_id=c1&name=greet&caller_id=u1", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "delete by creator")
	assertJSONStatus(t, rr, "ok")

	// Gone now
	rr = httptest.NewRecorder()
	server.triggersHandler(rr, httptest.NewRequest("DELETE", "/triggers?chat_id=c1&name=greet&caller_id=u1", nil))
	assertHTTPStatus(t, http.StatusNotFound, rr.Code, "delete missing trigger")
}

func TestDispatchHandler(t *testing.T) {
	server, _ := newTestServer()
	createTestTrigger(t, server, "greet", "hello")

	rr := httptest.NewRecorder()
	server.dispatchHandler(rr, createJSONRequest(t, "POST", "/dispatch",
		`{"chat_id":"c1","user_id":"u9","text":"hello there"}`))

	assertHTTPStatus(t, http.StatusOK, rr.Code, "dispatch match")

	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	responses := resp.Result.([]interface{})
	if len(responses) != 1 {
		t.Fatalf("expected 1 rendered response, got %d", len(responses))
	}
	rendered := responses[0].(map[string]interface{})
	if rendered["text"] != "hi u9" {
		t.Errorf("rendered text = %v", rendered["text"])
	}
}

func TestDispatchHandler_NoMatch(t *testing.T) {
	server, _ := newTestServer()
	createTestTrigger(t, server, "greet", "hello")

	rr := httptest.NewRecorder()
	server.dispatchHandler(rr, createJSONRequest(t, "POST", "/dispatch",
		`{"chat_id":"c1","user_id":"u9","text":"unrelated"}`))

	assertHTTPStatus(t, http.StatusOK, rr.Code, "dispatch no match")

	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Result != nil {
		t.Errorf("expected empty result, got %v", resp.Result)
	}
}

func TestDispatchHandler_MethodNotAllowed(t *testing.T) {
	server, _ := newTestServer()
	rr := httptest.NewRecorder()
	server.dispatchHandler(rr, httptest.NewRequest("GET", "/dispatch", nil))
	assertHTTPStatus(t, http.StatusMethodNotAllowed, rr.Code, "dispatch GET")
}

func TestStatsHandler(t *testing.T) {
	server, _ := newTestServer()
	createTestTrigger(t, server, "greet", "hello")

	// One dispatch fire shows up in the day's counters
	rr := httptest.NewRecorder()
	server.dispatchHandler(rr, createJSONRequest(t, "POST", "/dispatch",
		`{"chat_id":"c1","user_id":"u9","text":"hello"}`))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "dispatch for stats")

	rr = httptest.NewRecorder()
	server.statsHandler(rr, httptest.NewRequest("GET", "/stats?chat_id=c1", nil))
	assertHTTPStatus(t, http.StatusOK, rr.Code, "stats")

	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	stats := resp.Result.(map[string]interface{})
	if stats["active_triggers"].(float64) != 1 {
		t.Errorf("active_triggers = %v", stats["active_triggers"])
	}
	if stats["fires_today"].(float64) != 1 {
		t.Errorf("fires_today = %v", stats["fires_today"])
	}
}

func TestStatsHandler_MissingChatID(t *testing.T) {
	server, _ := newTestServer()
	rr := httptest.NewRecorder()
	server.statsHandler(rr, httptest.NewRequest("GET", "/stats", nil))
	assertHTTPStatus(t, http.StatusBadRequest, rr.Code, "stats without chat_id")
}
