package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/giftlock/api/apierr"
	"gitlab.com/arcanecrypto/giftlock/api/validation"
	"gitlab.com/arcanecrypto/giftlock/bitcoind"
	"gitlab.com/arcanecrypto/giftlock/build"
	"gitlab.com/arcanecrypto/giftlock/db"
	"gitlab.com/arcanecrypto/giftlock/reconciler"
	"gopkg.in/go-playground/validator.v8"
)

var log = build.AddSubLogger("HTTP")

// Config is the configuration for our API
type Config struct {
	// The Bitcoin blockchain network we're on
	Network chaincfg.Params
	// Seed is the master seed deposit addresses are derived from
	Seed []byte
	// AllowedOrigins is the CORS whitelist
	AllowedOrigins []string
	// LogBlacklist is the set of paths excluded from request logging
	LogBlacklist []string
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection, a chain connection and the reconciler the webhook route
// pokes.
type RestServer struct {
	Router     *gin.Engine
	db         *db.DB
	bitcoind   bitcoind.Bitcoind
	reconciler *reconciler.Reconciler
	network    chaincfg.Params
	seed       []byte
}

func getCorsConfig(allowedOrigins []string) cors.Config {
	return cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{
			http.MethodPut, http.MethodGet,
			http.MethodPost, http.MethodPatch,
			http.MethodDelete,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization"},
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine(config Config) *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying Gin logging middleware")
	engine.Use(build.GinLoggingMiddleWare(log, config.LogBlacklist))

	log.Debug("Applying CORS middleware")
	corsConfig := getCorsConfig(config.AllowedOrigins)
	engine.Use(cors.New(corsConfig))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))
	return engine
}

func checkBitcoindConnection(conn bitcoind.RpcClient, expected chaincfg.Params) error {
	info, err := conn.GetBlockChainInfo()
	if err != nil {
		return errors.Wrap(err, "could not get bitcoind info")
	}
	if !strings.HasPrefix(expected.Name, info.Chain) {
		return fmt.Errorf("app (%s) and bitcoind (%s) are on different networks",
			expected.Name, info.Chain)
	}
	return nil
}

// NewApp creates a new app. Besides wiring up the routes it starts the
// goroutines that watch the chain: the ZMQ tx and block listeners plus
// the polling sweep that backstops them.
func NewApp(database *db.DB, bitcoin bitcoind.Bitcoind, rec *reconciler.Reconciler,
	config Config) (RestServer, error) {

	if config.Network.Name == "" {
		return RestServer{}, errors.New("config.Network is not set")
	}
	if len(config.Seed) == 0 {
		return RestServer{}, errors.New("config.Seed is not set")
	}

	g := getGinEngine(config)

	engine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, fmt.Errorf(
			"gin validator engine (%s) was not validator.Validate",
			binding.Validator.Engine(),
		)
	}
	validators := validation.RegisterAllValidators(engine, &config.Network)
	log.Infof("Registered custom validators: %s", validators)

	log.Info("Checking bitcoind connection")
	if err := checkBitcoindConnection(bitcoin.Btcctl(), config.Network); err != nil {
		return RestServer{}, err
	}
	log.Info("Checked bitcoind connection succesfully")

	// Start two goroutines for listening to zmq events
	bitcoin.StartZmq()

	quit := make(chan struct{})
	go rec.TxListener(bitcoin.ZmqTxChannel(), quit)
	go rec.BlockListener(bitcoin.ZmqBlockChannel(), quit)
	go rec.SweepForever(quit)

	r := RestServer{
		Router:     g,
		db:         database,
		bitcoind:   bitcoin,
		reconciler: rec,
		network:    config.Network,
		seed:       config.Seed,
	}

	// Ping handler
	r.Router.GET("/ping", func(c *gin.Context) {
		c.String(200, "pong")
	})

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	r.registerInfoRoutes()
	r.registerGiftRoutes()

	return r, nil
}

// registerInfoRoutes registers routes related to administration of giftlock
// TODO: secure these routes with access control
func (r *RestServer) registerInfoRoutes() {
	getInfo := func(c *gin.Context) {
		chainInfo, err := r.bitcoind.Btcctl().GetBlockChainInfo()
		if err != nil {
			_ = c.Error(err).SetMeta("bitcoind.getblockchaininfo")
			return
		}

		migrationStatus, err := r.db.MigrationStatus()
		if err != nil {
			_ = c.Error(err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"network":                 chainInfo.Chain,
			"bestBlockHash":           chainInfo.BestBlockHash,
			"blockCount":              chainInfo.Blocks,
			"databaseMigrationStatus": migrationStatus,
		})
	}

	r.Router.GET("/info", getInfo)
}

// registerGiftRoutes registers all gift routes on the router
func (r *RestServer) registerGiftRoutes() {
	r.Router.POST("/gifts", r.createGift())
	r.Router.GET("/gift/:id", r.getGiftByID())

	// deposit providers call this webhook when they see activity on a
	// deposit address. It races the ZMQ listener and the sweep, which
	// is fine.
	r.Router.POST("/gift/:id/check", r.checkGift())
}
