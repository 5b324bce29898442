package actions

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gitlab.com/arcanecrypto/giftlock/api"
	"gitlab.com/arcanecrypto/giftlock/bitcoind"
	"gitlab.com/arcanecrypto/giftlock/cmd/glc/flags"
	"gitlab.com/arcanecrypto/giftlock/db"
	"gitlab.com/arcanecrypto/giftlock/reconciler"
)

func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the gift locking api",
		Action: func(c *cli.Context) error {

			bitcoindConfig, err := flags.ReadBitcoindConf(c)
			if err != nil {
				return err
			}

			bitcoindConn, err := bitcoind.NewConn(bitcoindConfig, 1*time.Second)
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"network": bitcoindConfig.Network.Name,
				"host":    bitcoindConfig.RpcHost,
				"port":    bitcoindConfig.RpcPort,
			}).Info("Opened connection to bitcoind")

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() { err = database.Close() }()

			// the status check here also verifies that we can connect
			// to the DB. otherwise errors there won't get picked up
			// until later
			if err := ensureMigrations(database, c.Bool("db.migrateup")); err != nil {
				return err
			}

			reconcilerConf, err := flags.ReadReconcilerConf(c)
			if err != nil {
				return err
			}

			rec, err := reconciler.New(
				reconciler.DbLedger{DB: database},
				bitcoindConn,
				reconcilerConf,
			)
			if err != nil {
				return err
			}

			config := api.Config{
				Network: bitcoindConfig.Network,
				Seed:    reconcilerConf.Seed,
				AllowedOrigins: []string{
					"http://127.0.0.1:3000",
				},
				LogBlacklist: []string{"/ping"},
			}

			a, err := api.NewApp(database, bitcoindConn, rec, config)
			if err != nil {
				return err
			}

			address := fmt.Sprintf(":%d", c.Int("port"))
			if os.Getenv(gin.EnvGinMode) == gin.ReleaseMode {
				err = a.Router.RunTLS(address,
					c.String("tls-cert-file"),
					c.String("tls-key-file"))
			} else {
				err = a.Router.Run(address)
			}

			return err
		},
	}

	baseFlags := []cli.Flag{
		cli.IntFlag{
			Name:  "port",
			Value: 5000,
			Usage: "Port number to listen on",
		},
		cli.StringFlag{
			Name:      "tls-cert-file",
			EnvVar:    "GIFTLOCK_TLS_CERT_FILE",
			Usage:     "Path to TLS cert file",
			TakesFile: true,
			Required:  os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
		cli.StringFlag{
			Name:     "tls-key-file",
			EnvVar:   "GIFTLOCK_TLS_KEY_FILE",
			Usage:    "Path to TLS key file",
			Required: os.Getenv(gin.EnvGinMode) == gin.ReleaseMode,
		},
	}

	serve.Flags = flags.Concat(baseFlags, flags.Bitcoind, flags.Db, flags.Gift)
	return serve
}

// ensureMigrations checks the migration state of the DB and, when
// migrateUp is set, applies any pending migrations. A brand-new
// database has no version recorded yet, that is not an error because
// migrating up from nothing is exactly what the flag is for.
func ensureMigrations(database *db.DB, migrateUp bool) error {
	status, err := database.MigrationStatus()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		log.Debug("Database has no migration version yet")
	case err != nil:
		return fmt.Errorf("could not query DB migration status: %w", err)
	case status.Dirty:
		return fmt.Errorf("database is dirty at migration version %d, repair it with `glc db`",
			status.Version)
	}

	if !migrateUp {
		return nil
	}
	return database.MigrateUp()
}
