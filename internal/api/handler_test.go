package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/gofiber/fiber/v2"

	"gridstone/internal/automation"
	"gridstone/internal/fieldtype"
	"gridstone/internal/history"
	"gridstone/internal/record"
	"gridstone/internal/relation"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, "sqlite", ":memory:", 1)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	sch := schema.NewStore(db, fieldtype.Defaults())
	if err := sch.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	ledger := history.NewLedger(db)
	records := record.NewStore(db, sch, ledger, nil)
	relations := relation.NewManager(db, sch, ledger)
	undoer := history.NewUndoer(ledger, records, relations)
	rules := automation.NewRuleStore(db, sch)
	engine := automation.NewEngine(db, sch, rules, records)
	queue := automation.NewGoroutineQueue()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var appErr *AppError
			if errors.As(err, &appErr) {
				return c.Status(appErr.Status).JSON(ErrorResponse{Error: appErr})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
				Error: &AppError{Code: "INTERNAL_ERROR", Message: err.Error()},
			})
		},
	})
	RegisterRoutes(app, NewHandler(sch, records, relations, ledger, undoer, rules, engine, queue))
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(blob)
	}
	req, _ := http.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("%s %s: bad JSON %q", method, path, raw)
		}
	}
	return resp.StatusCode, decoded
}

func TestRecordLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)

	status, _ := doJSON(t, app, "POST", "/api/tables", fiber.Map{"name": "tasks", "label": "Tasks"})
	if status != 201 {
		t.Fatalf("create table status = %d", status)
	}
	status, _ = doJSON(t, app, "POST", "/api/tasks/fields", fiber.Map{"name": "status", "type": "select", "options": []string{"open", "done"}})
	if status != 201 {
		t.Fatalf("add field status = %d", status)
	}

	status, body := doJSON(t, app, "POST", "/api/tasks", map[string]string{"name": "alpha", "status": "open"})
	if status != 201 {
		t.Fatalf("create record status = %d: %v", status, body)
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("create response missing id: %v", body)
	}

	status, body = doJSON(t, app, "GET", "/api/tasks?status=open&op_status=equals", nil)
	if status != 200 {
		t.Fatalf("list status = %d: %v", status, body)
	}
	data, _ := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("list data = %v", body)
	}

	status, _ = doJSON(t, app, "PATCH", "/api/tasks/"+id, fiber.Map{"field": "status", "value": "done"})
	if status != 200 {
		t.Fatalf("update status = %d", status)
	}

	status, body = doJSON(t, app, "GET", "/api/tasks/"+id+"/history", nil)
	if status != 200 {
		t.Fatalf("history status = %d", status)
	}
	entries, _ := body["history"].([]any)
	if len(entries) != 2 {
		t.Fatalf("history = %v", body)
	}

	// Revert the field change through the API.
	newest := entries[0].(map[string]any)
	entryID := int(newest["id"].(float64))
	status, _ = doJSON(t, app, "POST", "/api/history/"+strconv.Itoa(entryID)+"/revert", nil)
	if status != 200 {
		t.Fatalf("revert status = %d", status)
	}
	status, body = doJSON(t, app, "GET", "/api/tasks/"+id, nil)
	if status != 200 {
		t.Fatalf("get status = %d", status)
	}
	row := body["data"].(map[string]any)
	if row["status"] != "open" {
		t.Fatalf("status after revert = %v", row["status"])
	}

	status, _ = doJSON(t, app, "DELETE", "/api/tasks/"+id, nil)
	if status != 200 {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = doJSON(t, app, "GET", "/api/tasks/"+id, nil)
	if status != 404 {
		t.Fatalf("get after delete status = %d", status)
	}
}

func TestUnknownTableAndFieldErrors(t *testing.T) {
	app := newTestApp(t)

	status, body := doJSON(t, app, "GET", "/api/ghosts", nil)
	if status != 404 {
		t.Fatalf("unknown table status = %d: %v", status, body)
	}
	errObj := body["error"].(map[string]any)
	if errObj["code"] != "UNKNOWN_TABLE" {
		t.Fatalf("error code = %v", errObj["code"])
	}

	doJSON(t, app, "POST", "/api/tables", fiber.Map{"name": "tasks"})
	status, body = doJSON(t, app, "GET", "/api/tasks?ghost=x", nil)
	if status != 400 {
		t.Fatalf("unknown filter field status = %d: %v", status, body)
	}
	errObj = body["error"].(map[string]any)
	if errObj["code"] != "UNKNOWN_FIELD" {
		t.Fatalf("error code = %v", errObj["code"])
	}
}

func TestRelationshipEndpoints(t *testing.T) {
	app := newTestApp(t)

	doJSON(t, app, "POST", "/api/tables", fiber.Map{"name": "authors"})
	doJSON(t, app, "POST", "/api/tables", fiber.Map{"name": "books"})
	_, body := doJSON(t, app, "POST", "/api/authors", map[string]string{"name": "Ursula"})
	authorID := body["id"].(string)
	_, body = doJSON(t, app, "POST", "/api/books", map[string]string{"name": "Dispossessed"})
	bookID := body["id"].(string)

	status, _ := doJSON(t, app, "POST", "/api/relationships", fiber.Map{
		"table_a": "books", "id_a": bookID, "table_b": "authors", "id_b": authorID, "two_way": true,
	})
	if status != 201 {
		t.Fatalf("relate status = %d", status)
	}

	status, body = doJSON(t, app, "GET", "/api/authors/"+authorID+"/related", nil)
	if status != 200 {
		t.Fatalf("related status = %d", status)
	}
	related := body["related"].(map[string]any)
	group := related["books"].(map[string]any)
	items := group["items"].([]any)
	if len(items) != 1 || items[0].(map[string]any)["name"] != "Dispossessed" {
		t.Fatalf("related = %v", body)
	}
}

func TestRuleEndpoints(t *testing.T) {
	app := newTestApp(t)

	doJSON(t, app, "POST", "/api/tables", fiber.Map{"name": "tasks"})
	doJSON(t, app, "POST", "/api/tasks/fields", fiber.Map{"name": "status", "type": "select", "options": []string{"open", "done"}})
	doJSON(t, app, "POST", "/api/tasks/fields", fiber.Map{"name": "priority", "type": "text"})
	doJSON(t, app, "POST", "/api/tasks", map[string]string{"name": "a", "status": "open"})

	status, body := doJSON(t, app, "POST", "/api/rules", fiber.Map{
		"name": "escalate", "table": "tasks",
		"condition_field": "status", "condition_operator": "equals", "condition_value": "open",
		"action_field": "priority", "action_value": "high",
	})
	if status != 201 {
		t.Fatalf("create rule status = %d: %v", status, body)
	}
	ruleID := body["id"].(string)

	status, body = doJSON(t, app, "POST", "/api/rules/"+ruleID+"/run", nil)
	if status != 200 {
		t.Fatalf("run rule status = %d: %v", status, body)
	}
	if body["applied"].(float64) != 1 {
		t.Fatalf("applied = %v", body["applied"])
	}

	status, body = doJSON(t, app, "GET", "/api/rules/"+ruleID, nil)
	if status != 200 {
		t.Fatalf("get rule status = %d", status)
	}
	rule := body["rule"].(map[string]any)
	if rule["run_count"].(float64) != 1 {
		t.Fatalf("run_count = %v", rule["run_count"])
	}

	status, _ = doJSON(t, app, "POST", "/api/rules/"+ruleID+"/reset", nil)
	if status != 200 {
		t.Fatalf("reset status = %d", status)
	}
	_, body = doJSON(t, app, "GET", "/api/rules/"+ruleID, nil)
	if body["rule"].(map[string]any)["run_count"].(float64) != 0 {
		t.Fatalf("run_count after reset = %v", body)
	}

	status, body = doJSON(t, app, "POST", "/api/rules", fiber.Map{
		"name": "bad", "table": "tasks",
		"condition_field": "status", "condition_operator": "greater_than",
		"action_field": "priority",
	})
	if status != 400 {
		t.Fatalf("invalid operator status = %d: %v", status, body)
	}
}
