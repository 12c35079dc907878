package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"wallsim.ai/internal/persistence/indexdb"
	"wallsim.ai/internal/scripting"
)

type scriptRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type autoloadReq struct {
	scriptRef
	Enabled bool `json:"enabled"`
}

type scriptFileInfo struct {
	scripting.ScriptFile
	ID       uint32 `json:"id"`
	TypeName string `json:"type_name"`
	Autoload bool   `json:"autoload"`
	Running  bool   `json:"running"`
}

type scriptsResponse struct {
	Files     []scriptFileInfo         `json:"files"`
	Instances []scripting.InstanceInfo `json:"instances"`
}

// scriptAdmin exposes the script engine over loopback HTTP.
type scriptAdmin struct {
	eng    *scripting.Engine
	idx    runtimeIndex
	log    *zap.Logger
	sounds bool
}

func (a scriptAdmin) record(f scripting.ScriptFile, kind string) {
	a.log.Info("script admin", zap.String("script", f.Name), zap.String("action", kind))
	if a.idx != nil {
		a.idx.RecordScriptEvent(indexdb.ScriptEvent{At: time.Now(), Script: f.Name, Kind: kind})
	}
}

func (a scriptAdmin) register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/scripts", a.handleList)
	mux.HandleFunc("/v1/scripts/run", a.handleRun)
	mux.HandleFunc("/v1/scripts/stop", a.handleStop)
	mux.HandleFunc("/v1/scripts/autoload", a.handleAutoload)
	mux.HandleFunc("/v1/scripts/refresh", a.handleRefresh)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeErr(rw http.ResponseWriter, status int, err error) {
	writeJSON(rw, status, map[string]any{"ok": false, "error": err.Error()})
}

func (a scriptAdmin) guard(rw http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func (a scriptAdmin) resolve(ref scriptRef) (scripting.ScriptFile, error) {
	t, ok := scripting.ParseScriptType(ref.Type)
	if !ok {
		return scripting.ScriptFile{}, errors.New("unknown script type " + ref.Type)
	}
	name := strings.TrimSpace(ref.Name)
	if name == "" {
		return scripting.ScriptFile{}, errors.New("missing script name")
	}
	if !scripting.ValidName(name) {
		return scripting.ScriptFile{}, fmt.Errorf("%q: %w", name, scripting.ErrBadName)
	}
	if f, ok := a.eng.Lookup(t, name); ok {
		return f, nil
	}
	// Not in the catalog yet; the engine reports a missing file itself.
	return scripting.ScriptFile{Type: t, Name: name}, nil
}

func (a scriptAdmin) handleList(rw http.ResponseWriter, r *http.Request) {
	if !a.guard(rw, r, http.MethodGet) {
		return
	}
	resp := scriptsResponse{Files: []scriptFileInfo{}, Instances: a.eng.Instances()}
	for _, f := range a.eng.Files() {
		resp.Files = append(resp.Files, scriptFileInfo{
			ScriptFile: f,
			ID:         f.ID(),
			TypeName:   f.Type.String(),
			Autoload:   a.eng.IsAutoloadEnabled(f),
			Running:    a.eng.Exists(f.ID()),
		})
	}
	writeJSON(rw, http.StatusOK, resp)
}

func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(rw, r.Body, 64*1024)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (a scriptAdmin) handleRun(rw http.ResponseWriter, r *http.Request) {
	if !a.guard(rw, r, http.MethodPost) {
		return
	}
	var ref scriptRef
	if !decode(rw, r, &ref) {
		return
	}
	f, err := a.resolve(ref)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	if f.Type == scripting.TypeLibrary {
		if !a.eng.RunLibrary(f) {
			writeErr(rw, http.StatusUnprocessableEntity, errors.New("library failed to load"))
			return
		}
		a.record(f, "run")
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "id": f.ID()})
		return
	}
	if err := a.eng.RunScript(f, a.sounds); err != nil {
		status := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, scripting.ErrFileNotFound):
			status = http.StatusNotFound
		case errors.Is(err, scripting.ErrDisabled):
			status = http.StatusServiceUnavailable
		}
		writeErr(rw, status, err)
		return
	}
	a.record(f, "run")
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "id": f.ID()})
}

func (a scriptAdmin) handleStop(rw http.ResponseWriter, r *http.Request) {
	if !a.guard(rw, r, http.MethodPost) {
		return
	}
	var ref scriptRef
	if !decode(rw, r, &ref) {
		return
	}
	f, err := a.resolve(ref)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	if f.Type == scripting.TypeLibrary {
		a.eng.StopLibrary(f.ID())
	} else {
		a.eng.StopScript(f)
	}
	a.record(f, "stop")
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a scriptAdmin) handleAutoload(rw http.ResponseWriter, r *http.Request) {
	if !a.guard(rw, r, http.MethodPost) {
		return
	}
	var req autoloadReq
	if !decode(rw, r, &req) {
		return
	}
	f, err := a.resolve(req.scriptRef)
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}
	if f.Type == scripting.TypeLibrary {
		writeErr(rw, http.StatusBadRequest, scripting.ErrLibrary)
		return
	}
	if req.Enabled {
		err = a.eng.EnableAutoload(f)
	} else {
		err = a.eng.DisableAutoload(f)
	}
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "autoload": a.eng.IsAutoloadEnabled(f)})
}

func (a scriptAdmin) handleRefresh(rw http.ResponseWriter, r *http.Request) {
	if !a.guard(rw, r, http.MethodPost) {
		return
	}
	if err := a.eng.RefreshScripts(); err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "files": len(a.eng.Files())})
}

// indexNotifier logs script failures and copies them into the index.
type indexNotifier struct {
	log *zap.Logger
	idx runtimeIndex
}

func (n indexNotifier) ScriptError(script string, err error) {
	n.log.Warn("script error", zap.String("script", script), zap.Error(err))
	if n.idx != nil {
		n.idx.RecordScriptEvent(indexdb.ScriptEvent{At: time.Now(), Script: script, Kind: "error", Detail: err.Error()})
	}
}

func (n indexNotifier) PlaySound(s scripting.Sound) {
	n.log.Debug("sound", zap.Stringer("sound", s))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
