// Package renderers maps HTTP requests onto services and their
// renderers.
//
// Services live at /<rdId>/<serviceId>/<renderer>; system RDs are
// reachable without their __system__/ prefix. A few well-known
// services also have short paths: /tap, /oai.xml and /getproduct.
package renderers

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"vo_platform/base"
	"vo_platform/pagecache"
	"vo_platform/rd"
	"vo_platform/svcs"
	"vo_platform/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type cachedService struct {
	hash uint64
	svc  *svcs.Service
}

type cachedHandler struct {
	hash    uint64
	handler http.Handler
}

// Server dispatches requests to services. Services and the handlers of
// protocol cores are kept until their RD changes.
type Server struct {
	env     *svcs.Env
	pages   pagecache.Cache
	upSince time.Time

	mu       sync.Mutex
	services map[string]cachedService
	handlers map[string]cachedHandler
}

// NewServer makes a server; pages may be nil to disable the page cache.
func NewServer(env *svcs.Env, pages pagecache.Cache) *Server {
	return &Server{
		env:      env,
		pages:    pages,
		upSince:  time.Now(),
		services: map[string]cachedService{},
		handlers: map[string]cachedHandler{},
	}
}

func compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: true,
	}))
	if len(s.env.Config.Web.CorsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.env.Config.Web.CorsOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location", "Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(compress)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := s.env.DB.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		utils.WriteHealth(w, err)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/tap", s.fixedService("//tap", "run", "tap"))
	r.Handle("/oai.xml", s.fixedService("//services", "registry", "pubreg.xml"))
	r.Handle("/getproduct/*", s.fixedService("//products", "p", "get"))
	r.Get("/", s.Root)

	r.HandleFunc("/*", s.Dispatch)
	return r
}

// Service returns the executable service for def, rebuilt when the RD
// changed since the last call.
func (s *Server) Service(def *rd.Service) (*svcs.Service, error) {
	hash := rdHash(def)
	key := def.FullID()

	s.mu.Lock()
	cached, ok := s.services[key]
	s.mu.Unlock()
	if ok && cached.hash == hash {
		return cached.svc, nil
	}

	svc, err := svcs.NewService(s.env, def)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.services[key] = cachedService{hash: hash, svc: svc}
	s.mu.Unlock()
	return svc, nil
}

// coreHandler returns the handler a protocol core serves renderer
// with.
func (s *Server) coreHandler(svc *svcs.Service, renderer string) (http.Handler, error) {
	hc, ok := svc.Core.(svcs.HandlerCore)
	if !ok {
		return nil, base.NewNotFoundError("renderer", renderer, svc.Def.FullID())
	}
	hash := rdHash(svc.Def)
	key := svc.Def.FullID() + "|" + renderer

	s.mu.Lock()
	cached, ok := s.handlers[key]
	s.mu.Unlock()
	if ok && cached.hash == hash {
		return cached.handler, nil
	}

	h, err := hc.Handler(svc, renderer)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.handlers[key] = cachedHandler{hash: hash, handler: h}
	s.mu.Unlock()
	return h, nil
}

func rdHash(def *rd.Service) uint64 {
	if r := rd.RDOf(def); r != nil {
		return r.Hash
	}
	return 0
}

func (s *Server) loadService(rdID, svcID string) (*svcs.Service, error) {
	r, err := s.env.Loader.Load(rdID)
	if err != nil {
		return nil, err
	}
	def, err := r.Service(svcID)
	if err != nil {
		return nil, err
	}
	return s.Service(def)
}

// fixedService serves one renderer of a system service.
func (s *Server) fixedService(rdID, svcID, renderer string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc, err := s.loadService(rdID, svcID)
		if err != nil {
			writePlainError(w, err)
			return
		}
		s.serve(w, r, svc, renderer)
	})
}

// Dispatch serves /<rdId>/<serviceId>/<renderer>[/...].
func (s *Server) Dispatch(w http.ResponseWriter, r *http.Request) {
	def, renderer, rest, err := s.resolve(r.URL.Path)
	if err != nil {
		writePlainError(w, err)
		return
	}
	svc, err := s.Service(def)
	if err != nil {
		writePlainError(w, err)
		return
	}

	// protocol handlers route on the path below the renderer segment
	rctx := chi.NewRouteContext()
	rctx.RoutePath = "/" + rest
	rctx.URLParams.Add("*", rest)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	s.serve(w, r, svc, renderer)
}

// serve runs renderer on svc after checking it is allowed and the
// client is authorized.
func (s *Server) serve(w http.ResponseWriter, r *http.Request, svc *svcs.Service, renderer string) {
	vosi := isVOSI(renderer)
	if !vosi && !svc.Def.Allows(renderer) {
		writePlainError(w, base.NewNotFoundError("renderer", renderer, svc.Def.FullID()))
		return
	}
	if svc.Def.LimitTo != "" && s.env.Auth != nil && !vosi {
		authed, err := s.env.Auth.Require(r, svc.Def.LimitTo, svc.Def.FullID())
		if err != nil {
			writePlainError(w, err)
			return
		}
		r = authed
	}

	switch renderer {
	case "availability", "capabilities", "tableMetadata":
		s.vosi(w, r, svc, renderer)
	case "form":
		s.form(w, r, svc)
	case "scs.xml", "siap.xml", "ssap.xml", "api":
		s.dal(w, r, svc, renderer)
	case "static":
		s.static(w, r, svc)
	default:
		h, err := s.coreHandler(svc, renderer)
		if err != nil {
			writePlainError(w, err)
			return
		}
		if renderer == "pubreg.xml" {
			h = pagecache.Middleware(s.pages, s.registryVersion)(h)
		}
		h.ServeHTTP(w, r)
	}
}

func isVOSI(renderer string) bool {
	for _, v := range svcs.VOSIRenderers {
		if v == renderer {
			return true
		}
	}
	return false
}
