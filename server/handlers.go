package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jalad-shrimali/cdr-correlator/analysis"
	"github.com/jalad-shrimali/cdr-correlator/export"
	"github.com/jalad-shrimali/cdr-correlator/ingest"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

// POST /runs  {"name": "..."}
func (rt *Router) handleCreateRun(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return badRequest("invalid body: %v", err)
		}
	}
	run, err := rt.store.CreateRun(r.Context(), body.Name, actor(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, run)
	return nil
}

// GET /runs
func (rt *Router) handleListRuns(w http.ResponseWriter, r *http.Request) error {
	runs, err := rt.store.Runs(r.Context())
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "runs": runs})
}

// PATCH /runs/{id}  {"name": "..."}
func (rt *Router) handleRenameRun(w http.ResponseWriter, r *http.Request) error {
	id, err := runID(r)
	if err != nil {
		return err
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return badRequest("invalid body: %v", err)
	}
	if err := rt.store.RenameRun(r.Context(), id, body.Name); err != nil {
		return err
	}
	run, err := rt.store.Run(r.Context(), id)
	if err != nil {
		return err
	}
	return ok(w, run)
}

// POST /runs/{id}/clear
func (rt *Router) handleClearRun(w http.ResponseWriter, r *http.Request) error {
	id, err := runID(r)
	if err != nil {
		return err
	}
	calls, hits, err := rt.store.ClearRun(r.Context(), id)
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "run_id": id, "calls_deleted": calls, "hits_deleted": hits})
}

// jobResult answers an upload. Files loaded before a failure are reported
// next to the error.
func (rt *Router) jobResult(w http.ResponseWriter, result any, err error) error {
	if err != nil {
		writeJSON(w, statusOf(err), map[string]any{"ok": false, "error": err.Error(), "result": result})
		return nil
	}
	return ok(w, map[string]any{"ok": true, "result": result})
}

// POST /runs/{id}/xdr  multipart: files, operator, group, fallback
func (rt *Router) handleUploadXDR(w http.ResponseWriter, r *http.Request) error {
	id, err := runID(r)
	if err != nil {
		return err
	}
	files, cleanup, err := rt.receive(w, r, ingest.SourceXDR)
	if err != nil {
		return err
	}
	defer cleanup()

	p := ingest.XDRParams{
		Operator: r.FormValue("operator"),
		Group:    strings.TrimSpace(r.FormValue("group")),
	}
	switch strings.ToUpper(strings.TrimSpace(r.FormValue("fallback"))) {
	case "":
	case string(normalize.DirIn):
		p.Fallback = normalize.DirIn
	case string(normalize.DirOut):
		p.Fallback = normalize.DirOut
	default:
		return badRequest("fallback must be IN or OUT")
	}
	batch, err := rt.ingest.XDRFiles(r.Context(), id, files, p)
	return rt.jobResult(w, batch, err)
}

// POST /antennas  multipart: files, mode, operator
func (rt *Router) handleUploadAntennas(w http.ResponseWriter, r *http.Request) error {
	files, cleanup, err := rt.receive(w, r, ingest.SourceAntenna)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := rt.ingest.AntennaFiles(r.Context(), files, ingest.AntennaParams{
		Operator: r.FormValue("operator"),
		Mode:     strings.TrimSpace(r.FormValue("mode")),
		Actor:    actor(r),
	})
	return rt.jobResult(w, res, err)
}

// POST /detections  multipart: files (.csv, .db, .db3)
func (rt *Router) handleUploadDetections(w http.ResponseWriter, r *http.Request) error {
	files, cleanup, err := rt.receive(w, r, ingest.SourceDetection)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := rt.ingest.DetectionFiles(r.Context(), files)
	return rt.jobResult(w, res, err)
}

// scope reads the run id and the shared filter.
func (rt *Router) scope(r *http.Request) (uint, analysis.Filter, error) {
	id, err := runID(r)
	if err != nil {
		return 0, analysis.Filter{}, err
	}
	f, err := filterFrom(r.URL.Query(), "", rt.engine.Location())
	return id, f, err
}

// GET /runs/{id}/objective
func (rt *Router) handleObjective(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	obj, err := rt.engine.DetectObjective(r.Context(), id, f)
	if err != nil {
		return err
	}
	return ok(w, obj)
}

// GET /runs/{id}/summary?phone=
func (rt *Router) handleSummary(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	sum, err := rt.engine.Summary(r.Context(), id, f, r.URL.Query().Get("phone"))
	if err != nil {
		return err
	}
	return ok(w, sum)
}

// GET /runs/{id}/contacts?phone=&limit=
func (rt *Router) handleContacts(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	rows, err := rt.engine.TopContacts(r.Context(), id, f, q.Get("phone"), clampInt(q, "limit", 12, 1, 500))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// GET /runs/{id}/contacts/detail?phone=&other=&page=&page_size=
func (rt *Router) handleContactDetail(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	page := clampInt(q, "page", 0, 0, 100000)
	size := clampInt(q, "page_size", 80, 20, 500)
	rows, err := rt.engine.ContactDetail(r.Context(), id, f, q.Get("phone"), q.Get("other"), page*size, size)
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "page": page, "page_size": size, "rows": rows})
}

// GET /runs/{id}/places?phone=&limit=
func (rt *Router) handlePlaces(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	rows, err := rt.engine.TopPlaces(r.Context(), id, f, q.Get("phone"), clampInt(q, "limit", 12, 1, 500))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// GET /runs/{id}/places/detail?cell_key=&phone=&page=&page_size=
func (rt *Router) handlePlaceDetail(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	page := clampInt(q, "page", 0, 0, 100000)
	size := clampInt(q, "page_size", 80, 20, 500)
	rows, err := rt.engine.PlaceDetail(r.Context(), id, f, q.Get("phone"), q.Get("cell_key"), page*size, size)
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "page": page, "page_size": size, "rows": rows})
}

// targets reads phone1/group1 and phone2/group2 over the shared filter.
func (rt *Router) targets(r *http.Request) (uint, analysis.Target, analysis.Target, error) {
	var a, b analysis.Target
	id, err := runID(r)
	if err != nil {
		return 0, a, b, err
	}
	q := r.URL.Query()
	loc := rt.engine.Location()
	if a.Filter, err = filterFrom(q, "1", loc); err != nil {
		return 0, a, b, err
	}
	if b.Filter, err = filterFrom(q, "2", loc); err != nil {
		return 0, a, b, err
	}
	a.Phone, b.Phone = q.Get("phone1"), q.Get("phone2")
	return id, a, b, nil
}

// GET /runs/{id}/coincidences?phone1=&phone2=&window_hours=
// GET /coincidences?run=...
func (rt *Router) handleCoincidences(w http.ResponseWriter, r *http.Request) error {
	id, a, b, err := rt.targets(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	window := time.Duration(-1)
	hours, err := optFloat(q, "window_hours")
	if err != nil {
		return err
	}
	if hours != nil {
		if *hours < 0 {
			return badRequest("window_hours must not be negative")
		}
		window = time.Duration(*hours * float64(time.Hour))
	}
	rows, err := rt.engine.Coincidences(r.Context(), id, a, b, window, clampInt(q, "limit", 200, 1, 5000))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// GET /runs/{id}/common-contacts?phone1=&phone2=
func (rt *Router) handleCommonContacts(w http.ResponseWriter, r *http.Request) error {
	id, a, b, err := rt.targets(r)
	if err != nil {
		return err
	}
	rows, err := rt.engine.CommonContacts(r.Context(), id, a, b, clampInt(r.URL.Query(), "limit", 20, 1, 500))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// GET /runs/{id}/common-places?phone1=&phone2=
func (rt *Router) handleCommonPlaces(w http.ResponseWriter, r *http.Request) error {
	id, a, b, err := rt.targets(r)
	if err != nil {
		return err
	}
	rows, err := rt.engine.CommonPlaces(r.Context(), id, a, b, clampInt(r.URL.Query(), "limit", 20, 1, 500))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// GET /runs/{id}/graph?phone=&min_calls=&max_edges=&max_nodes=
func (rt *Router) handleGraph(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	g, err := rt.engine.Graph(r.Context(), id, f, analysis.GraphParams{
		Phone:    normalize.Phone(q.Get("phone")),
		MinCalls: clampInt(q, "min_calls", 0, 0, 1<<20),
		MaxEdges: clampInt(q, "max_edges", 0, 0, 20000),
		MaxNodes: clampInt(q, "max_nodes", 0, 0, 20000),
	})
	if err != nil {
		return err
	}
	return ok(w, g)
}

// GET /runs/{id}/timeline?phone=&limit=
func (rt *Router) handleTimeline(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	rows, err := rt.engine.Timeline(r.Context(), id, f, q.Get("phone"), clampInt(q, "limit", 2000, 50, 20000))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// GET /runs/{id}/timeseries?phone=&bucket=hour|day
func (rt *Router) handleTimeSeries(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	q := r.URL.Query()
	bucket := analysis.BucketDay
	if strings.EqualFold(q.Get("bucket"), analysis.BucketHour) {
		bucket = analysis.BucketHour
	}
	rows, err := rt.engine.TimeSeries(r.Context(), id, f, q.Get("phone"), bucket)
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "bucket": bucket, "rows": rows})
}

// GET /runs/{id}/hits?limit=
func (rt *Router) handleHits(w http.ResponseWriter, r *http.Request) error {
	id, err := runID(r)
	if err != nil {
		return err
	}
	hits, err := rt.engine.Hits(r.Context(), id, clampInt(r.URL.Query(), "limit", 500, 1, 20000))
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": hits})
}

// GET /runs/{id}/export.xlsx?phone=
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) error {
	id, f, err := rt.scope(r)
	if err != nil {
		return err
	}
	rep, err := export.Build(r.Context(), rt.engine, id, f, r.URL.Query().Get("phone"))
	if err != nil {
		return err
	}
	x, err := rep.Workbook(rt.engine.Location())
	if err != nil {
		return err
	}
	defer x.Close()
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="run_%d_%s.xlsx"`, id, rep.Phone))
	if _, err := x.WriteTo(w); err != nil {
		rt.log.Warn("export write failed", "run", id, "error", err)
	}
	return nil
}

// GET /detections/near?lat=&lon=&radius_m=&from=&to=&imsi=&imei=&limit=
func (rt *Router) handleDetectionsNear(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	lat, err := optFloat(q, "lat")
	if err != nil {
		return err
	}
	lon, err := optFloat(q, "lon")
	if err != nil {
		return err
	}
	radius, err := optFloat(q, "radius_m")
	if err != nil {
		return err
	}
	if lat == nil || lon == nil || radius == nil {
		return badRequest("lat, lon and radius_m are required")
	}
	nq := analysis.NearQuery{
		Lat:     *lat,
		Lon:     *lon,
		RadiusM: *radius,
		IMSI:    strings.TrimSpace(q.Get("imsi")),
		IMEI:    strings.TrimSpace(q.Get("imei")),
		Limit:   clampInt(q, "limit", 500, 1, 20000),
	}
	loc := rt.engine.Location()
	if nq.From, err = parseTime(q.Get("from"), loc); err != nil {
		return err
	}
	if nq.To, err = parseTime(q.Get("to"), loc); err != nil {
		return err
	}
	rows, err := rt.engine.DetectionsNear(r.Context(), nq)
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": rows})
}

// POST /objectives  {"label", "phone", "imsi", "imei"}
func (rt *Router) handleAddObjective(w http.ResponseWriter, r *http.Request) error {
	var o model.Objective
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		return badRequest("invalid body: %v", err)
	}
	o.ID = 0
	if err := rt.store.AddObjective(r.Context(), &o); err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, o)
	return nil
}

// GET /objectives
func (rt *Router) handleListObjectives(w http.ResponseWriter, r *http.Request) error {
	list, err := rt.store.Objectives(r.Context())
	if err != nil {
		return err
	}
	return ok(w, map[string]any{"ok": true, "rows": list})
}
