package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
)

// Router names accepted by NewHandler.
const (
	RouterChi = "chi"
	RouterGin = "gin"
)

// NewHandler builds the full server handler: the router selected by
// Cfg.Router wrapped in request logging, metrics and CORS.
func NewHandler(e Env) http.Handler {
	var router http.Handler
	switch e.Cfg.Router {
	case RouterGin:
		router = NewGinEngine(e)
	default:
		router = NewRouter(e)
	}
	return e.common(router)
}

func (e Env) common(h http.Handler) http.Handler {
	return RequestLogger(e.Log)(MetricsMiddleware(e.Metrics)(cors(e.Cfg.AllowedOrigins, e.corsAllowHeaders())(h)))
}

// corsAllowHeaders lists the request headers a browser may send cross
// origin. Unless configured, that is the RHC names plus the usual two.
func (e Env) corsAllowHeaders() []string {
	if len(e.Cfg.CORSAllowHeaders) > 0 {
		return e.Cfg.CORSAllowHeaders
	}
	out := []string{"Content-Type", "Authorization"}
	out = append(out, e.Cfg.ValidHeaders...)
	return append(out, e.Cfg.DecoyHeaders...)
}

// NewRouter returns the chi routes. The RHC middleware only guards
// POST /api/productos.
func NewRouter(e Env) *chi.Mux {
	r := chi.NewRouter()
	r.NotFound(e.NotFound)
	r.MethodNotAllowed(e.MethodNotAllowed)

	r.Get("/healthz", e.Healthz)
	r.Get("/readyz", e.Readyz)

	r.Route("/api", func(r chi.Router) {
		if e.Cfg.GuardDirectAccess {
			r.Use(guardDirectAccess)
		}
		r.Get("/entropia", e.Entropia)
		r.Post("/entropia", e.Entropia)
		r.With(e.RHC).Post("/productos", e.Productos)
	})
	return r
}

// NewGinEngine serves the same routes as NewRouter on gin.
func NewGinEngine(e Env) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.HandleMethodNotAllowed = true
	g.NoRoute(gin.WrapF(e.NotFound))
	g.NoMethod(gin.WrapF(e.MethodNotAllowed))

	g.GET("/healthz", gin.WrapF(e.Healthz))
	g.GET("/readyz", gin.WrapF(e.Readyz))

	api := g.Group("/api")
	if e.Cfg.GuardDirectAccess {
		api.Use(GinMiddleware(guardDirectAccess))
	}
	api.GET("/entropia", gin.WrapF(e.Entropia))
	api.POST("/entropia", gin.WrapF(e.Entropia))
	api.POST("/productos", GinMiddleware(e.RHC), gin.WrapF(e.Productos))
	return g
}

// GinMiddleware adapts a net/http middleware to gin. The chain is aborted
// when mw answers the request itself.
func GinMiddleware(mw func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			// keep gin context in sync with the possibly modified *http.Request
			c.Request = r
			c.Next()
		}))
		h.ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}
