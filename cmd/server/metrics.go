package main

import (
	"fmt"
	"net/http"

	"wallsim.ai/internal/dispatch"
	"wallsim.ai/internal/sim/frameloop"
	"wallsim.ai/internal/transport/observer"
)

func metricsHandler(mapName string, loop *frameloop.Loop, queue *dispatch.Queue, obs *observer.Server, idx runtimeIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := loop.Metrics()
		fmt.Fprintf(rw, "# HELP wallsim_frame_tick Last simulated tick.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_frame_tick gauge\n")
		fmt.Fprintf(rw, "wallsim_frame_tick{map=%q} %d\n", mapName, m.Tick)

		fmt.Fprintf(rw, "# HELP wallsim_frames_total Frames simulated since start.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_frames_total counter\n")
		fmt.Fprintf(rw, "wallsim_frames_total{map=%q} %d\n", mapName, m.Frames)

		fmt.Fprintf(rw, "# HELP wallsim_frame_step_ms Last frame step duration in milliseconds.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_frame_step_ms gauge\n")
		fmt.Fprintf(rw, "wallsim_frame_step_ms{map=%q} %.3f\n", mapName, m.StepMS)

		fmt.Fprintf(rw, "# HELP wallsim_scan_targets Targets probed in the last frame.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_scan_targets gauge\n")
		fmt.Fprintf(rw, "wallsim_scan_targets{map=%q,result=%q} %d\n", mapName, "all", m.Targets)
		fmt.Fprintf(rw, "wallsim_scan_targets{map=%q,result=%q} %d\n", mapName, "hit", m.Hits)

		wb := 0
		if m.Wallbang {
			wb = 1
		}
		fmt.Fprintf(rw, "# HELP wallsim_wallbang Whether the view direction is wallbangable (0/1).\n")
		fmt.Fprintf(rw, "# TYPE wallsim_wallbang gauge\n")
		fmt.Fprintf(rw, "wallsim_wallbang{map=%q} %d\n", mapName, wb)

		qs := queue.Stats()
		fmt.Fprintf(rw, "# HELP wallsim_dispatch_workers Running dispatch workers.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_dispatch_workers gauge\n")
		fmt.Fprintf(rw, "wallsim_dispatch_workers %d\n", qs.Workers)
		fmt.Fprintf(rw, "# HELP wallsim_dispatch_total Dispatch counters.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_dispatch_total counter\n")
		fmt.Fprintf(rw, "wallsim_dispatch_total{kind=%q} %d\n", "batches", qs.Batches)
		fmt.Fprintf(rw, "wallsim_dispatch_total{kind=%q} %d\n", "jobs", qs.Jobs)
		fmt.Fprintf(rw, "wallsim_dispatch_total{kind=%q} %d\n", "panics", qs.Panics)

		ost := obs.Stats()
		fmt.Fprintf(rw, "# HELP wallsim_observer_sessions Connected observers.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_observer_sessions gauge\n")
		fmt.Fprintf(rw, "wallsim_observer_sessions %d\n", ost.Sessions)
		fmt.Fprintf(rw, "# HELP wallsim_observer_frames_total Frames offered to observers.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_observer_frames_total counter\n")
		fmt.Fprintf(rw, "wallsim_observer_frames_total{result=%q} %d\n", "sent", ost.Sent)
		fmt.Fprintf(rw, "wallsim_observer_frames_total{result=%q} %d\n", "dropped", ost.Dropped)

		if idx == nil {
			return
		}
		is := idx.Stats()
		fmt.Fprintf(rw, "# HELP wallsim_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "wallsim_index_queue_depth %d\n", is.QueueDepth)
		fmt.Fprintf(rw, "# HELP wallsim_index_queue_capacity Index writer queue capacity.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_index_queue_capacity gauge\n")
		fmt.Fprintf(rw, "wallsim_index_queue_capacity %d\n", is.QueueCapacity)
		fmt.Fprintf(rw, "# HELP wallsim_index_dropped_total Index writes dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_index_dropped_total counter\n")
		fmt.Fprintf(rw, "wallsim_index_dropped_total{kind=%q} %d\n", "frame", is.DropFrameTotal)
		fmt.Fprintf(rw, "wallsim_index_dropped_total{kind=%q} %d\n", "script", is.DropScriptTotal)
		fmt.Fprintf(rw, "# HELP wallsim_index_written_total Rows committed to the index.\n")
		fmt.Fprintf(rw, "# TYPE wallsim_index_written_total counter\n")
		fmt.Fprintf(rw, "wallsim_index_written_total %d\n", is.WrittenTotal)
	}
}
