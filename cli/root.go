// Package cli is the makerd command-line entrypoint: configuration
// discovery, service wiring, and the graceful-shutdown sequence. Grounded
// on eve's cli/root.go Viper+Cobra wiring and signal-driven shutdown
// shape, cut down to what a single-binary coordination engine actually
// needs (no RabbitMQ/CouchDB/JWT service layer).
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"makerd/actuator"
	"makerd/errs"
	"makerd/initiator"
	"makerd/machine"
	"makerd/makerdconfig"
	"makerd/model"
	"makerd/mqttbridge"
	"makerd/policy"
	"makerd/registry"
	"makerd/seed"
	"makerd/store"
	"makerd/transport"
)

var (
	cfgFile  string
	seedFile string
)

// RootCmd is the single makerd command: load config, start every
// resource's state machine, serve the RPC transport, and block for a
// shutdown signal.
var RootCmd = &cobra.Command{
	Use:   "makerd",
	Short: "resource-access-control coordination daemon for makerspaces",
	Long: `makerd mediates which authenticated user may use which physical
machine. It loads its configuration, hydrates one Resource State Machine
per configured machine from the Durable Store, wires actuator and
initiator adapters, and serves an RPC surface for claim/release/
force_release/block/unblock/subscribe/list_resources.`,
	RunE:          runServer,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./makerd.yaml)")
	RootCmd.PersistentFlags().StringVar(&seedFile, "seed", "", "optional users/roles seed file, applied before startup")
	RootCmd.PersistentFlags().String("listen", "", "override the address of the first configured listen endpoint")
	viper.BindPFlag("listen", RootCmd.PersistentFlags().Lookup("listen"))
}

// exitError carries the process exit code a failure should produce,
// matching spec §6's 0-4 exit code table.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

// Execute runs RootCmd and returns the process exit code: the code of a
// returned exitError, 4 (unrecoverable runtime error) for any other
// error, or 0.
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		var ee *exitError
		if e, ok := err.(*exitError); ok {
			ee = e
		} else {
			ee = &exitError{code: 4, err: err}
		}
		fmt.Fprintln(os.Stderr, ee.err)
		return ee.code
	}
	return 0
}

func loadConfig() (*makerdconfig.Config, error) {
	cfg, err := makerdconfig.Load(cfgFile)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	if l := viper.GetString("listen"); l != "" && len(cfg.Listens) > 0 {
		cfg.Listens[0].Address = l
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	logger := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer st.Close()

	if seedFile != "" {
		if err := seed.LoadSeed(st, seedFile); err != nil {
			return &exitError{code: 1, err: err}
		}
	}

	oracle, err := buildOracle(st, cfg)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	reg, err := registry.BuildFromConfig(cfg)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	actuatorCatalog := actuator.NewCatalog()
	actuatorCatalog.Register("mqtt", mqttbridge.NewMqttAdapter)
	initiatorCatalog := initiator.NewCatalog()

	handles, err := startMachines(reg, st, oracle, actuatorCatalog, initiatorCatalog, cfg, logger)
	if err != nil {
		return &exitError{code: 4, err: err}
	}

	srv := transport.New(reg, handles, oracle, transport.Config{}, logger)

	addr := ":8080"
	if len(cfg.Listens) > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Listens[0].Address, cfg.Listens[0].Port)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", addr).Info("starting RPC transport")
		if err := srv.Start(addr); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return &exitError{code: 3, err: fmt.Errorf("bind failure: %w", err)}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("transport shutdown error")
	}
	for _, h := range handles {
		h.Shutdown()
	}

	return nil
}

func buildOracle(st *store.Store, cfg *makerdconfig.Config) (*policy.Oracle, error) {
	if len(cfg.Roles) > 0 {
		return policy.BuildFromConfig(cfg.Roles, cfg.UserRoles)
	}
	return seed.LoadOracle(st)
}

// startMachines builds every resource's Resource State Machine, wiring
// its configured actuators and initiators, per spec §2's data flow.
func startMachines(reg *registry.Registry, st *store.Store, oracle *policy.Oracle, actuatorCatalog *actuator.Catalog, initiatorCatalog *initiator.Catalog, cfg *makerdconfig.Config, logger *logrus.Entry) (map[model.ResourceId]*machine.Handle, error) {
	handles := make(map[model.ResourceId]*machine.Handle, len(reg.Iter()))

	for _, res := range reg.Iter() {
		actuators := make(map[string]actuator.Adapter)
		for _, name := range reg.ActuatorsFor(res.ID) {
			mc, ok := reg.ActuatorModule(name)
			if !ok {
				return nil, errs.New(errs.ConfigError, fmt.Sprintf("unknown actuator %q for resource %q", name, res.ID))
			}
			params := mc.Params
			if mc.Module == "mqtt" && cfg.MqttURL != "" {
				if _, set := params["mqtt_url"]; !set {
					params = make(map[string]interface{}, len(mc.Params)+1)
					for k, v := range mc.Params {
						params[k] = v
					}
					params["mqtt_url"] = cfg.MqttURL
				}
			}
			a, err := actuatorCatalog.Build(mc.Module, name, params, logger)
			if err != nil {
				return nil, err
			}
			actuators[name] = a
		}

		machineCfg := cfg.Machines[res.ID]
		mCfg := machine.Config{
			InitiatorDefaultPerm: machineCfg.InitiatorDefaultPerm,
			SubscriberBuffer:     cfg.SubscriberBuffer,
			OnFatal: func(resource model.ResourceId, reason string) {
				logger.WithFields(logrus.Fields{"resource": resource, "reason": reason}).Fatal("unrecoverable persistence failure")
			},
		}

		h, err := machine.New(res, st, oracle, actuators, mCfg, logger)
		if err != nil {
			return nil, err
		}
		handles[res.ID] = h

		for _, name := range reg.InitiatorsFor(res.ID) {
			mc, ok := reg.InitiatorModule(name)
			if !ok {
				return nil, errs.New(errs.ConfigError, fmt.Sprintf("unknown initiator %q for resource %q", name, res.ID))
			}
			src, err := initiatorCatalog.Build(mc.Module, name, mc.Params, logger)
			if err != nil {
				return nil, err
			}
			h.Attach(src)
		}
	}

	return handles, nil
}
