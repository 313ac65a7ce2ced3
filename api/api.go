// Package api is the HTTP surface: the LNDHUB compatibility API, LNURL
// pay endpoints, NIP-05 names and the native v1 REST API. Handlers are
// thin, all ledger logic lives in the payments package.
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/satsbox/satsbox/build"
	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/db"
	"github.com/satsbox/satsbox/payments"
)

var log = build.AddSubLogger("API")

// RestServer is the rest server for our app. It includes a router, the
// db connection and the payment ledger service.
type RestServer struct {
	Router   *gin.Engine
	db       *db.DB
	service  *payments.Service
	settings *config.Store
}

func getCorsConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins: true,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

func getGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger())
	engine.Use(cors.New(getCorsConfig()))
	return engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   path,
			"ip":     c.ClientIP(),
			"status": c.Writer.Status(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		level := logrus.DebugLevel
		if c.Writer.Status() >= 500 {
			level = logrus.ErrorLevel
		}
		entry.Logf(level, "HTTP %s %s: %d", c.Request.Method, path, c.Writer.Status())
	}
}

// NewServer wires every route group
func NewServer(d *db.DB, service *payments.Service, settings *config.Store) *RestServer {
	server := &RestServer{
		Router:   getGinEngine(),
		db:       d,
		service:  service,
		settings: settings,
	}

	server.registerLndhubRoutes()
	server.registerLnurlRoutes()
	server.registerNip05Routes()
	server.registerV1Routes()

	return server
}

// Addr formats the configured bind address
func (r *RestServer) Addr() string {
	network := r.settings.Get().Network
	return fmt.Sprintf("%s:%d", network.Host, network.Port)
}

// Run serves until the listener dies
func (r *RestServer) Run() error {
	addr := r.Addr()
	log.WithField("addr", addr).Info("starting HTTP server")
	return r.Router.Run(addr)
}

// siteURL is the externally visible base url for building lightning
// addresses and lndhub urls
func (r *RestServer) siteURL(c *gin.Context) string {
	if site := r.settings.Get().Site; site != "" {
		return site
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, c.Request.Host)
}

func (r *RestServer) host(c *gin.Context) string {
	return c.Request.Host
}
