package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"gridstone/internal/automation"
	"gridstone/internal/history"
	"gridstone/internal/query"
	"gridstone/internal/record"
	"gridstone/internal/relation"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

type Handler struct {
	schema    *schema.Store
	records   *record.Store
	relations *relation.Manager
	ledger    *history.Ledger
	undoer    *history.Undoer
	rules     *automation.RuleStore
	engine    *automation.Engine
	queue     automation.TaskQueue
}

func NewHandler(
	sch *schema.Store,
	records *record.Store,
	relations *relation.Manager,
	ledger *history.Ledger,
	undoer *history.Undoer,
	rules *automation.RuleStore,
	engine *automation.Engine,
	queue automation.TaskQueue,
) *Handler {
	return &Handler{
		schema:    sch,
		records:   records,
		relations: relations,
		ledger:    ledger,
		undoer:    undoer,
		rules:     rules,
		engine:    engine,
		queue:     queue,
	}
}

func actor(c *fiber.Ctx) string {
	if a := c.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

// Schema handles GET /api/schema
func (h *Handler) Schema(c *fiber.Ctx) error {
	snap := h.schema.Snapshot()

	tables := make([]fiber.Map, 0)
	for _, t := range snap.Tables() {
		tables = append(tables, fiber.Map{
			"name":        t.Name,
			"label":       t.Label,
			"description": t.Description,
			"fields":      t.Fields,
		})
	}
	return c.JSON(fiber.Map{
		"tables":      tables,
		"field_sizes": h.schema.Types().SizeMap(),
	})
}

// CreateTable handles POST /api/tables
func (h *Handler) CreateTable(c *fiber.Ctx) error {
	var body struct {
		Name        string `json:"name"`
		Label       string `json:"label"`
		Description string `json:"description"`
		TitleField  string `json:"title_field"`
	}
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.schema.CreateTable(c.Context(), body.Name, body.Label, body.Description, body.TitleField); err != nil {
		return mapDomainError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"name": body.Name})
}

// AddField handles POST /api/:table/fields
func (h *Handler) AddField(c *fiber.Ctx) error {
	var body struct {
		Name       string   `json:"name"`
		Type       string   `json:"type"`
		Options    []string `json:"options"`
		ForeignKey string   `json:"foreign_key"`
	}
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	spec := schema.FieldSpec{
		Name:       body.Name,
		Type:       body.Type,
		Options:    body.Options,
		ForeignKey: body.ForeignKey,
	}
	if err := h.schema.AddField(c.Context(), c.Params("table"), spec); err != nil {
		return mapDomainError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"name": body.Name})
}

// DropField handles DELETE /api/:table/fields/:field
func (h *Handler) DropField(c *fiber.Ctx) error {
	if err := h.schema.DropField(c.Context(), c.Params("table"), c.Params("field")); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"dropped": c.Params("field")})
}

// ConvertField handles POST /api/:table/fields/:field/convert
func (h *Handler) ConvertField(c *fiber.Ctx) error {
	var body struct {
		Type string `json:"type"`
	}
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.schema.ConvertFieldType(c.Context(), c.Params("table"), c.Params("field"), body.Type); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"field": c.Params("field"), "type": body.Type})
}

// UpdateLayout handles PUT /api/:table/layout
func (h *Handler) UpdateLayout(c *fiber.Ctx) error {
	var items []schema.LayoutItem
	if err := c.BodyParser(&items); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.schema.UpdateLayout(c.Context(), c.Params("table"), items); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"updated": len(items)})
}

// UpdateStyling handles PUT /api/:table/fields/:field/styling
func (h *Handler) UpdateStyling(c *fiber.Ctx) error {
	var styling map[string]string
	if err := c.BodyParser(&styling); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.schema.UpdateStyling(c.Context(), c.Params("table"), c.Params("field"), styling); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"field": c.Params("field")})
}

// SetTitleField handles PUT /api/:table/title-field
func (h *Handler) SetTitleField(c *fiber.Ctx) error {
	var body struct {
		Field string `json:"field"`
	}
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.schema.SetTitleField(c.Context(), c.Params("table"), body.Field); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"title_field": body.Field})
}

// reserved query keys that never name filter fields.
var reservedQueryKeys = map[string]bool{
	"search": true, "sort": true, "direction": true,
	"limit": true, "offset": true,
}

// parseSpec decodes the query string into a filter spec. Repeated keys
// become multi-valued filters; op_<field> and mode_<field> carry the
// per-field operator and combination mode.
func parseSpec(c *fiber.Ctx) query.Spec {
	spec := query.Spec{
		Search:    c.Query("search"),
		Filters:   make(map[string][]string),
		Operators: make(map[string]string),
		Modes:     make(map[string]string),
	}
	c.Context().QueryArgs().VisitAll(func(key, value []byte) {
		k, v := string(key), string(value)
		switch {
		case reservedQueryKeys[k]:
		case strings.HasPrefix(k, "op_"):
			spec.Operators[strings.TrimPrefix(k, "op_")] = v
		case strings.HasPrefix(k, "mode_"):
			spec.Modes[strings.TrimPrefix(k, "mode_")] = v
		default:
			spec.Filters[k] = append(spec.Filters[k], v)
		}
	})
	return spec
}

// List handles GET /api/:table
func (h *Handler) List(c *fiber.Ctx) error {
	table := c.Params("table")
	spec := parseSpec(c)

	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	rows, err := h.records.All(c.Context(), table, spec, c.Query("sort"), c.Query("direction"), limit, offset)
	if err != nil {
		return mapDomainError(err)
	}
	total, err := h.records.Count(c.Context(), table, spec)
	if err != nil {
		return mapDomainError(err)
	}

	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{
		"data": rows,
		"meta": fiber.Map{"total": total, "limit": limit, "offset": offset},
	})
}

// CountRecords handles GET /api/:table/count
func (h *Handler) CountRecords(c *fiber.Ctx) error {
	total, err := h.records.Count(c.Context(), c.Params("table"), parseSpec(c))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"count": total})
}

// FieldStats handles GET /api/:table/stats/:field
func (h *Handler) FieldStats(c *fiber.Ctx) error {
	table, field := c.Params("table"), c.Params("field")
	nonNull, err := h.records.CountNonNull(c.Context(), table, field)
	if err != nil {
		return mapDomainError(err)
	}
	dist, err := h.records.FieldDistribution(c.Context(), table, field)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"non_null": nonNull, "distribution": dist})
}

// GetRecord handles GET /api/:table/:id
func (h *Handler) GetRecord(c *fiber.Ctx) error {
	table, id := c.Params("table"), c.Params("id")
	row, err := h.records.GetByID(c.Context(), table, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(table, id)
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"data": row})
}

// CreateRecord handles POST /api/:table
func (h *Handler) CreateRecord(c *fiber.Ctx) error {
	var values map[string]string
	if err := c.BodyParser(&values); err != nil {
		return BadRequestError("invalid JSON body")
	}
	id, err := h.records.Create(c.Context(), c.Params("table"), values, actor(c))
	if err != nil {
		return mapDomainError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

// UpdateRecord handles PATCH /api/:table/:id
func (h *Handler) UpdateRecord(c *fiber.Ctx) error {
	var body struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	table, id := c.Params("table"), c.Params("id")
	if err := h.records.Update(c.Context(), table, id, body.Field, body.Value, actor(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(table, id)
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"id": id})
}

// BulkUpdate handles POST /api/:table/bulk
func (h *Handler) BulkUpdate(c *fiber.Ctx) error {
	var body struct {
		IDs   any    `json:"ids"`
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	applied, err := h.records.BulkUpdate(c.Context(), c.Params("table"), body.IDs, body.Field, body.Value, actor(c))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"updated": applied})
}

// DeleteRecord handles DELETE /api/:table/:id
func (h *Handler) DeleteRecord(c *fiber.Ctx) error {
	table, id := c.Params("table"), c.Params("id")
	if err := h.records.Delete(c.Context(), table, id, actor(c)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError(table, id)
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"deleted": id})
}

// ImportRecords handles POST /api/:table/import: a batch of record creates
// followed by the table's import-triggered rules. Row failures are
// collected, not fatal.
func (h *Handler) ImportRecords(c *fiber.Ctx) error {
	var batch []map[string]string
	if err := c.BodyParser(&batch); err != nil {
		return BadRequestError("invalid JSON body")
	}
	table := c.Params("table")
	who := actor(c)

	created := make([]string, 0, len(batch))
	var failures []ErrorDetail
	for i, values := range batch {
		id, err := h.records.Create(c.Context(), table, values, who)
		if err != nil {
			failures = append(failures, ErrorDetail{Message: fmt.Sprintf("row %d: %v", i, err)})
			continue
		}
		created = append(created, id)
	}

	h.queue.Submit("import:"+table, func() {
		h.engine.RunOnImport(context.Background(), table)
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"created":  created,
		"failures": failures,
	})
}

type relationBody struct {
	TableA string `json:"table_a"`
	IDA    string `json:"id_a"`
	TableB string `json:"table_b"`
	IDB    string `json:"id_b"`
	TwoWay bool   `json:"two_way"`
}

// AddRelation handles POST /api/relationships
func (h *Handler) AddRelation(c *fiber.Ctx) error {
	var body relationBody
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.relations.Add(c.Context(), body.TableA, body.IDA, body.TableB, body.IDB, body.TwoWay, actor(c)); err != nil {
		return mapDomainError(err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"linked": true})
}

// RemoveRelation handles DELETE /api/relationships
func (h *Handler) RemoveRelation(c *fiber.Ctx) error {
	var body relationBody
	if err := c.BodyParser(&body); err != nil {
		return BadRequestError("invalid JSON body")
	}
	if err := h.relations.Remove(c.Context(), body.TableA, body.IDA, body.TableB, body.IDB, actor(c)); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"unlinked": true})
}

// GetRelated handles GET /api/:table/:id/related
func (h *Handler) GetRelated(c *fiber.Ctx) error {
	groups, err := h.relations.GetRelated(c.Context(), c.Params("table"), c.Params("id"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"related": groups})
}

// RecordHistory handles GET /api/:table/:id/history
func (h *Handler) RecordHistory(c *fiber.Ctx) error {
	entries, err := h.ledger.History(c.Context(), c.Params("table"), c.Params("id"), c.QueryInt("limit", 50))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"history": entries})
}

// RevertEntry handles POST /api/history/:id/revert
func (h *Handler) RevertEntry(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return BadRequestError("history id must be an integer")
	}
	if err := h.undoer.RevertByID(c.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("history entry", c.Params("id"))
		}
		var appErr *AppError
		if errors.As(mapDomainError(err), &appErr) {
			return appErr
		}
		return NewAppError("REVERT_FAILED", 422, err.Error())
	}
	return c.JSON(fiber.Map{"reverted": id})
}

// ListRules handles GET /api/rules
func (h *Handler) ListRules(c *fiber.Ctx) error {
	rules, err := h.rules.List(c.Context(), c.Query("table"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"rules": rules})
}

// GetRule handles GET /api/rules/:id
func (h *Handler) GetRule(c *fiber.Ctx) error {
	rule, err := h.rules.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("rule", c.Params("id"))
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"rule": rule})
}

// CreateRule handles POST /api/rules
func (h *Handler) CreateRule(c *fiber.Ctx) error {
	var rule automation.Rule
	if err := c.BodyParser(&rule); err != nil {
		return BadRequestError("invalid JSON body")
	}
	id, err := h.rules.Create(c.Context(), &rule)
	if err != nil {
		var appErr error = mapDomainError(err)
		var typed *AppError
		if errors.As(appErr, &typed) {
			return typed
		}
		return BadRequestError(err.Error())
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": id})
}

// UpdateRule handles PUT /api/rules/:id
func (h *Handler) UpdateRule(c *fiber.Ctx) error {
	var rule automation.Rule
	if err := c.BodyParser(&rule); err != nil {
		return BadRequestError("invalid JSON body")
	}
	rule.ID = c.Params("id")
	if err := h.rules.Update(c.Context(), &rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("rule", rule.ID)
		}
		var typed *AppError
		if errors.As(mapDomainError(err), &typed) {
			return typed
		}
		return BadRequestError(err.Error())
	}
	return c.JSON(fiber.Map{"id": rule.ID})
}

// DeleteRule handles DELETE /api/rules/:id
func (h *Handler) DeleteRule(c *fiber.Ctx) error {
	if err := h.rules.Delete(c.Context(), c.Params("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("rule", c.Params("id"))
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"deleted": c.Params("id")})
}

// RunRule handles POST /api/rules/:id/run
func (h *Handler) RunRule(c *fiber.Ctx) error {
	applied, err := h.engine.RunByID(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("rule", c.Params("id"))
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"applied": applied})
}

// ResetRule handles POST /api/rules/:id/reset
func (h *Handler) ResetRule(c *fiber.Ctx) error {
	if err := h.rules.ResetRunCount(c.Context(), c.Params("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return NotFoundError("rule", c.Params("id"))
		}
		return mapDomainError(err)
	}
	return c.JSON(fiber.Map{"reset": c.Params("id")})
}
