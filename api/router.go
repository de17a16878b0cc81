package api

import (
	"compress/flate"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	api_middleware "gitlab.uncharted.software/WM/fraud-detection-pipeline/api/middleware"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/api/routes"
	"gitlab.uncharted.software/WM/fraud-detection-pipeline/config"
)

// NewRouter returns a chi router serving predictions from the model, with its metrics registered
// in registry.
func NewRouter(cfg config.Config, model *routes.ServedModel, registry *prometheus.Registry) (chi.Router, error) {
	metrics, err := routes.NewMetrics(registry)
	if err != nil {
		return nil, err
	}

	// Setup the router and configure baseline middleware
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(api_middleware.Logger(cfg.Logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(flate.DefaultCompression))

	// Configure CORS handling
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Method("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	base := "/v1/models/" + model.Name
	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get(base, routes.ModelStatusRequest(&cfg, model))
		r.Get(base+"/metadata", routes.ModelMetadataRequest(&cfg, model))
		r.Post(base+":predict", routes.PredictRequest(&cfg, model, metrics))
	})

	return r, nil
}
