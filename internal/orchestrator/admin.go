package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/scenegrid/internal/blockstore"
	"github.com/banshee-data/scenegrid/internal/db"
	"github.com/banshee-data/scenegrid/internal/httputil"
	"github.com/banshee-data/scenegrid/internal/scene"
)

// modelStatus is the global model without its primitives.
type modelStatus struct {
	ID            string              `json:"id"`
	Strategy      string              `json:"strategy"`
	Complete      bool                `json:"complete"`
	MissingBlocks []string            `json:"missing_blocks,omitempty"`
	SourceBlocks  []string            `json:"source_blocks"`
	Primitives    int                 `json:"primitives"`
	Extents       []scene.BlockExtent `json:"extents,omitempty"`
}

// attachStatusRoutes mounts the read-only run status API under /api/.
func attachStatusRoutes(mux *http.ServeMux, store *blockstore.Store) {
	mux.HandleFunc("GET /api/jobs", func(w http.ResponseWriter, r *http.Request) {
		jobs, err := store.Jobs(r.Context())
		if err != nil {
			httputil.WriteStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, jobs)
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := store.GetState(r.Context(), r.PathValue("id"))
		if err != nil {
			httputil.WriteStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, job)
	})
	mux.HandleFunc("GET /api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := store.GetRun(r.Context(), r.PathValue("id"))
		if err != nil {
			httputil.WriteStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, run)
	})
	mux.HandleFunc("GET /api/runs/{id}/metrics", func(w http.ResponseWriter, r *http.Request) {
		records, err := store.Metrics(r.Context(), r.PathValue("id"))
		if err != nil {
			httputil.WriteStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, records)
	})
	mux.HandleFunc("GET /api/model", func(w http.ResponseWriter, r *http.Request) {
		g, err := store.LatestGlobalModel(r.Context())
		if err != nil {
			httputil.WriteStoreError(w, err)
			return
		}
		httputil.WriteJSONOK(w, modelStatus{
			ID:            g.ID,
			Strategy:      g.Strategy,
			Complete:      g.Complete,
			MissingBlocks: g.MissingBlocks,
			SourceBlocks:  g.SourceBlocks,
			Primitives:    len(g.Primitives),
			Extents:       g.Extents,
		})
	})
}

// serveAdmin exposes the run database debug routes and the status API on
// ln until ctx ends. The listener is closed on return.
func serveAdmin(ctx context.Context, database *db.DB, store *blockstore.Store, ln net.Listener) error {
	mux := http.NewServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		ln.Close()
		return err
	}
	attachStatusRoutes(mux, store)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Printf("admin server listening on %s", ln.Addr())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("admin server shutdown error: %v", err)
	}
	return <-errc
}
