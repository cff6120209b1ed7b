package schema

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/plan"
)

// RESTHandler builds the full REST route table for one Runtime snapshot:
// one route group per non-stored-procedure entity under basePath, plus one
// GET route per stored-procedure entity. Verb→action mapping follows the
// fixed table GET→read, POST→create, PUT→upsert, PATCH→upsertIncremental,
// DELETE→delete; an entity only gets the routes its permissions allow.
func RESTHandler(rt *Runtime, basePath string) http.Handler {
	r := chi.NewRouter()

	for _, name := range sortedKeys(rt.RC.Entities) {
		entity := rt.RC.Entities[name]
		if entity.REST != nil && !entity.REST.Enabled {
			continue
		}
		info, ok := rt.Catalog.Entity(name)
		if !ok {
			continue
		}
		path := restPath(name, entity)
		rr := &restRoute{rt: rt, entity: name, info: info}

		if info.IsStoredProc {
			r.Get(basePath+path, rr.execute)
			continue
		}

		allowed := allowedActions(entity)
		if allowed[conf.ActionRead] {
			r.Get(basePath+path, rr.list)
			r.Get(basePath+path+pkPattern(info.PrimaryKey), rr.get)
		}
		if allowed[conf.ActionCreate] {
			r.Post(basePath+path, rr.create)
		}
		if allowed[conf.ActionCreate] || allowed[conf.ActionUpdate] {
			r.Put(basePath+path+pkPattern(info.PrimaryKey), rr.upsert(false))
			r.Patch(basePath+path+pkPattern(info.PrimaryKey), rr.upsert(true))
		}
		if allowed[conf.ActionDelete] {
			r.Delete(basePath+path+pkPattern(info.PrimaryKey), rr.delete)
		}
	}
	return r
}

// restPath resolves an entity's REST path segment: entity.rest.path if set,
// otherwise the entity name itself.
func restPath(name string, entity *conf.Entity) string {
	if entity.REST != nil && entity.REST.Path != "" {
		return "/" + strings.Trim(entity.REST.Path, "/")
	}
	return "/" + name
}

// pkPattern builds a chi route suffix matching the spec's
// "/{pk-value}[/{pk-col}/{pk-value}]*" path shape: the first primary key
// column binds positionally, any remaining columns are named explicitly so
// a composite key is unambiguous on the wire.
func pkPattern(pk []string) string {
	var b strings.Builder
	for i, col := range pk {
		if i == 0 {
			b.WriteString("/{" + col + "}")
			continue
		}
		b.WriteString("/" + col + "/{" + col + "}")
	}
	return b.String()
}

type restRoute struct {
	rt     *Runtime
	entity string
	info   plan.EntityInfo
}

func (rr *restRoute) pkValuesFromPath(req *http.Request) map[string]interface{} {
	out := map[string]interface{}{}
	for _, col := range rr.info.PrimaryKey {
		if v := chi.URLParam(req, col); v != "" {
			out[col] = v
		}
	}
	return out
}

// list serves GET {path}?$select=&$filter=&$orderby=&$first=&$after=,
// returning the spec's `{"value": [...], "nextLink": "..."}` envelope.
func (rr *restRoute) list(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	sel := plan.Selection{
		Fields:    parseSelect(q.Get("$select")),
		RawFilter: q.Get("$filter"),
		Plural:    true,
	}
	if ob := q.Get("$orderby"); ob != "" {
		sel.OrderBy = parseODataOrderBy(ob)
	}
	if first := q.Get("$first"); first != "" {
		n, err := strconv.Atoi(first)
		if err != nil {
			writeError(w, core.NewError(core.BadRequest, "invalid $first: %s", first))
			return
		}
		sel.First = n
	}
	sel.After = q.Get("$after")

	principal := core.PrincipalFromContext(req.Context())
	page, err := rr.rt.QueryPage(req.Context(), principal, rr.entity, sel)
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]interface{}{"value": nonNilItems(page.Items)}
	if page.HasNextPage {
		body["nextLink"] = "?$after=" + page.EndCursor
	}
	writeJSON(w, http.StatusOK, body)
}

// get serves GET {path}/{pk-value}[/{pk-col}/{pk-value}]*. An absent
// $select leaves sel.Fields nil rather than naming every column explicitly —
// the planner then projects whatever the caller's column mask allows, so an
// unqualified GET never trips the "explicitly requested a forbidden column"
// denial and instead gets that column silently stripped by the shaper.
func (rr *restRoute) get(w http.ResponseWriter, req *http.Request) {
	sel := plan.Selection{
		PKValues: rr.pkValuesFromPath(req),
		Fields:   parseSelect(req.URL.Query().Get("$select")),
	}
	principal := core.PrincipalFromContext(req.Context())
	row, err := rr.rt.QueryObject(req.Context(), principal, rr.entity, sel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": []interface{}{row}})
}

func (rr *restRoute) create(w http.ResponseWriter, req *http.Request) {
	var item map[string]interface{}
	if err := json.NewDecoder(req.Body).Decode(&item); err != nil {
		writeError(w, core.WrapError(core.BadRequest, err, "decode request body"))
		return
	}
	principal := core.PrincipalFromContext(req.Context())
	row, err := rr.rt.Create(req.Context(), principal, rr.entity, item, plan.Selection{Fields: rr.info.Columns})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"value": []interface{}{row}})
}

// upsert returns the PUT (incremental=false) or PATCH (incremental=true)
// handler for one entity's route — the only difference between the two
// verbs is that flag, so both share this one closure.
func (rr *restRoute) upsert(incremental bool) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var item map[string]interface{}
		if err := json.NewDecoder(req.Body).Decode(&item); err != nil {
			writeError(w, core.WrapError(core.BadRequest, err, "decode request body"))
			return
		}
		pkValues := rr.pkValuesFromPath(req)
		principal := core.PrincipalFromContext(req.Context())
		row, err := rr.rt.Upsert(req.Context(), principal, rr.entity, pkValues, item, plan.Selection{Fields: rr.info.Columns}, incremental)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"value": []interface{}{row}})
	}
}

func (rr *restRoute) delete(w http.ResponseWriter, req *http.Request) {
	pkValues := rr.pkValuesFromPath(req)
	principal := core.PrincipalFromContext(req.Context())
	devMode := rr.rt.isDevMode()
	if err := rr.rt.Delete(req.Context(), principal, rr.entity, pkValues, devMode); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// execute serves a stored-procedure entity's one synthesized route, taking
// its parameters from the query string since a GET request carries no body.
func (rr *restRoute) execute(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	args := make(map[string]interface{}, len(q))
	for k := range q {
		args[k] = q.Get(k)
	}
	principal := core.PrincipalFromContext(req.Context())
	rows, err := rr.rt.Execute(req.Context(), principal, rr.entity, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": rows})
}

// parseODataOrderBy parses a comma-separated "$orderby=col asc, col2 desc"
// clause into OrderKeys; a column with no direction suffix defaults to
// ascending.
func parseODataOrderBy(raw string) []plan.OrderKey {
	var out []plan.OrderKey
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		key := plan.OrderKey{Column: fields[0]}
		if len(fields) > 1 && strings.EqualFold(fields[1], "desc") {
			key.Desc = true
		}
		out = append(out, key)
	}
	return out
}

// parseSelect splits a comma-separated "$select=a,b,c" clause; an empty or
// absent clause means "no explicit projection", left nil for the planner's
// own always-project-everything default.
func parseSelect(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func nonNilItems(items []interface{}) []interface{} {
	if items == nil {
		return []interface{}{}
	}
	return items
}

// writeJSON writes a 2xx JSON body. Internal marshal failures here would
// mean a shaped result contains something encoding/json can't handle, which
// never happens for the plain maps/slices this package produces — so no
// error path is wired for it: an encode error is discarded.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a GatewayError into the spec's
// {"error": {"code", "status", "message"}} envelope; any other error
// (should never reach here past Runtime's own taxonomy) is reported as
// UnexpectedError.
func writeError(w http.ResponseWriter, err error) {
	ge, ok := err.(*core.GatewayError)
	if !ok {
		ge = core.WrapError(core.UnexpectedError, err, "%s", err.Error())
	}
	writeJSON(w, ge.Kind.HTTPStatus(), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    ge.Kind.String(),
			"status":  ge.Kind.HTTPStatus(),
			"message": ge.Message,
		},
	})
}
