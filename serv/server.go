// Package serv is the thin HTTP wiring around the gateway engine — chi
// routing, CORS, health checking, and mounting the GraphQL/REST handlers
// synthesized from the currently-published config snapshot. Grounded on
// graphjin's serv/serv.go + serv/routes.go server-lifecycle shape.
package serv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
	"github.com/graphql-go/handler"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/databridge/dataapi/conf"
	"github.com/databridge/dataapi/core"
	"github.com/databridge/dataapi/core/exec"
	"github.com/databridge/dataapi/core/metadata"
	"github.com/databridge/dataapi/core/schema"
)

const (
	healthRoute = "/health"
)

// Options configures Server construction.
type Options struct {
	ConfigPath            string
	Addr                  string
	Log                   *zap.SugaredLogger
	MaxConcurrentRequests int
	MetadataCacheSize     int
}

// Server owns the Engine and the currently-mounted handler, swapping the
// latter wholesale on every config reload — a request in flight when a
// reload lands keeps being served by the handler it started with, since it
// already captured the atomic.Pointer's value before ServeHTTP began.
type Server struct {
	engine *core.Engine
	log    *zap.SugaredLogger
	addr   string

	handler atomic.Pointer[http.Handler]
	httpSrv *http.Server
}

// New loads the config at opts.ConfigPath, opens the backend connection,
// builds the first request-facing snapshot, and returns a Server ready to
// Serve. Hot-reload watching is armed separately by the caller via Watch,
// exactly as core.Engine splits NewEngine from Watch.
func New(opts Options) (*Server, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	engine, err := core.NewEngine(opts.ConfigPath, core.EngineOptions{
		Log:                   opts.Log,
		MaxConcurrentRequests: opts.MaxConcurrentRequests,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{engine: engine, log: opts.Log, addr: opts.Addr}
	rebuild := s.rebuilder(opts.MetadataCacheSize)

	if err := rebuild(engine.Current()); err != nil {
		return nil, err
	}
	engine.OnReload(func(rc *conf.RuntimeConfig) {
		if err := rebuild(rc); err != nil {
			s.log.Errorf("serv: snapshot rebuild failed, keeping previous handler: %s", err)
		}
	})
	return s, nil
}

// rebuilder returns a closure that re-opens the backend connection,
// re-introspects metadata, rebuilds the GraphQL schema and REST route
// table, and atomically swaps them into s.handler. The backend connection
// itself is re-opened on every rebuild rather than reused across reloads —
// a config reload is rare enough that the extra connect cost is a better
// trade than tracking whether DataSource actually changed.
func (s *Server) rebuilder(metadataCacheSize int) func(rc *conf.RuntimeConfig) error {
	return func(rc *conf.RuntimeConfig) error {
		ctx := context.Background()

		db, err := exec.Open(rc.DataSource)
		if err != nil {
			return core.WrapError(core.ErrorInInitialization, err, "open data source")
		}

		provider, err := metadata.NewProvider(db, rc.DataSource.Kind, metadataCacheSize)
		if err != nil {
			return core.WrapError(core.ErrorInInitialization, err, "build metadata provider")
		}

		catalog, err := schema.BuildCatalog(ctx, rc, provider)
		if err != nil {
			return core.WrapError(core.ErrorInInitialization, err, "build catalog")
		}

		executor := exec.NewExecutor(exec.WrapDB(db), 20, s.log)
		rt := schema.NewRuntime(rc, catalog, executor, schema.CursorKey(rc))

		gqlSchema, err := schema.BuildSchema(ctx, rt, provider)
		if err != nil {
			return core.WrapError(core.ErrorInInitialization, err, "build graphql schema")
		}

		mux := newMux(rc, rt, gqlSchema)
		s.handler.Store(&mux)
		return nil
	}
}

// newMux assembles the chi router for one rebuilt snapshot: health check,
// GraphQL at runtime.graphql.path (default /graphql) when enabled, REST
// route table at runtime.rest.path (default /rest) when enabled, CORS
// applied per runtime.host.cors.
func newMux(rc *conf.RuntimeConfig, rt *schema.Runtime, gqlSchema graphql.Schema) http.Handler {
	r := chi.NewRouter()
	r.Get(healthRoute, healthCheckHandler())

	if rc.Runtime.GraphQL.Enabled {
		introspection := rc.Runtime.GraphQL.AllowIntrospection || rc.Runtime.Host.Mode == conf.ModeDevelopment
		var gh http.Handler = handler.New(&handler.Config{
			Schema:     &gqlSchema,
			Pretty:     rc.Runtime.Host.Mode == conf.ModeDevelopment,
			GraphiQL:   false,
			Playground: false,
		})
		if rc.Runtime.GraphQL.DepthLimit > 0 {
			gh = enforceDepthLimit(rc.Runtime.GraphQL.DepthLimit, gh)
		}
		if !introspection {
			gh = denyIntrospection(gh)
		}
		path := rc.Runtime.GraphQL.Path
		if path == "" {
			path = "/graphql"
		}
		r.Handle(path, gh)
	}

	if rc.Runtime.REST.Enabled {
		path := rc.Runtime.REST.Path
		if path == "" {
			path = "/rest"
		}
		r.Mount(path, schema.RESTHandler(rt, ""))
	}

	var mw http.Handler = r
	if len(rc.Runtime.Host.CORS) > 0 {
		mw = cors.New(cors.Options{AllowedOrigins: rc.Runtime.Host.CORS}).Handler(r)
	}
	return mw
}

// denyIntrospection wraps a GraphQL handler to refuse any request whose
// query text names an introspection root field (__schema, __type). The
// request body is buffered and restored rather than consumed, since the
// wrapped handler still needs to read it when the query is allowed through.
func denyIntrospection(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if r.Method == http.MethodPost && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
				var payload struct {
					Query string `json:"query"`
				}
				if json.Unmarshal(body, &payload) == nil {
					query = payload.Query
				}
			}
		}
		if strings.Contains(query, "__schema") || strings.Contains(query, "__type") {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"code":    "AuthorizationFailed",
					"status":  http.StatusForbidden,
					"message": "introspection is disabled",
				},
			})
			return
		}
		h.ServeHTTP(w, r)
	})
}

// enforceDepthLimit wraps a GraphQL handler to reject any query whose
// selection-set nesting exceeds limit — runtime.graphql.depth-limit, the
// config invariant that bounds how deeply a client can chain relationship
// fields before the gateway refuses to compile it. Like denyIntrospection,
// the body is buffered and restored so the wrapped handler still sees it.
func enforceDepthLimit(limit int, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		if r.Method == http.MethodPost && r.Body != nil {
			body, err := io.ReadAll(r.Body)
			if err == nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
				var payload struct {
					Query string `json:"query"`
				}
				if json.Unmarshal(body, &payload) == nil {
					query = payload.Query
				}
			}
		}
		if depth, ok := queryDepth(query); ok && depth > limit {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"code":    "BadRequest",
					"status":  http.StatusBadRequest,
					"message": fmt.Sprintf("query nesting depth exceeds runtime.graphql.depth-limit of %d", limit),
				},
			})
			return
		}
		h.ServeHTTP(w, r)
	})
}

// queryDepth parses query and returns the deepest field-selection chain
// across every operation it defines; ok is false when query doesn't parse,
// in which case the wrapped handler's own error reporting takes over.
func queryDepth(query string) (int, bool) {
	if strings.TrimSpace(query) == "" {
		return 0, false
	}
	doc, err := parser.Parse(parser.ParseParams{Source: source.NewSource(&source.Source{Body: []byte(query)})})
	if err != nil {
		return 0, false
	}
	max := 0
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok || op.SelectionSet == nil {
			continue
		}
		if d := selectionSetDepth(op.SelectionSet); d > max {
			max = d
		}
	}
	return max, true
}

// selectionSetDepth counts the longest chain of nested field selections in
// set — an inline fragment's own fields count toward its parent field's
// depth rather than starting a new one; named fragment spreads are not
// followed and add nothing to the depth.
func selectionSetDepth(set *ast.SelectionSet) int {
	if set == nil {
		return 0
	}
	max := 0
	for _, sel := range set.Selections {
		var d int
		switch s := sel.(type) {
		case *ast.Field:
			d = 1 + selectionSetDepth(s.SelectionSet)
		case *ast.InlineFragment:
			d = selectionSetDepth(s.SelectionSet)
		default:
			continue
		}
		if d > max {
			max = d
		}
	}
	return max
}

func (s *Server) current() http.Handler {
	h := s.handler.Load()
	if h == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "service not ready", http.StatusServiceUnavailable)
		})
	}
	return *h
}

// ServeHTTP lets Server itself act as the http.Handler a test server or
// reverse proxy can mount directly, always dispatching to whichever
// snapshot's handler is currently published.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.current().ServeHTTP(w, r)
}

// Watch starts hot-reload file watching on the underlying Engine.
func (s *Server) Watch() error { return s.engine.Watch() }

// Serve starts the HTTP listener and blocks until it's shut down by an
// interrupt signal, mirroring graphjin's serv.go signal-driven graceful
// shutdown.
func (s *Server) Serve() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint
		s.engine.StopWatching()
		if err := s.httpSrv.Shutdown(context.Background()); err != nil {
			s.log.Warnf("serv: shutdown error: %s", err)
		}
		close(idleConnsClosed)
	}()

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return core.WrapError(core.ErrorInInitialization, err, "listen on %s", s.addr)
	}
	s.log.Infof("serv: listening on %s", s.addr)

	if err := s.httpSrv.Serve(l); err != http.ErrServerClosed {
		return err
	}
	<-idleConnsClosed
	return nil
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
