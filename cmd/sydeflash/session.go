package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/openSYDE/openSYDE-sub010/pkg/audit"
	"github.com/openSYDE/openSYDE-sub010/pkg/cli"
	"github.com/openSYDE/openSYDE-sub010/pkg/fleetstate"
	"github.com/openSYDE/openSYDE-sub010/pkg/progress"
	"github.com/openSYDE/openSYDE-sub010/pkg/protocol"
	"github.com/openSYDE/openSYDE-sub010/pkg/protocol/sim"
	"github.com/openSYDE/openSYDE-sub010/pkg/sequence"
	"github.com/openSYDE/openSYDE-sub010/pkg/session"
	"github.com/openSYDE/openSYDE-sub010/pkg/settings"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport/ethernet"
	"github.com/openSYDE/openSYDE-sub010/pkg/transport/slcan"
	"github.com/openSYDE/openSYDE-sub010/pkg/util"
	"github.com/openSYDE/openSYDE-sub010/pkg/version"
)

// buildTransports creates the dispatchers named in the settings. The
// simulator needs no hardware and runs on loopback dispatchers.
func buildTransports(s *settings.Settings) (transport.Set, error) {
	if s.Driver == "" {
		return transport.Set{}, util.NewConfigErrorf("no protocol driver configured: use --driver or set driver (available: %v)", protocol.Drivers())
	}
	if s.Driver == sim.DriverName {
		return transport.NewLoopbackSet(), nil
	}

	var ts transport.Set
	if s.CAN.Port != "" {
		ts.CAN = slcan.New(slcan.Config{
			Port:    s.CAN.Port,
			Baud:    s.CAN.Baud,
			Bitrate: s.CAN.Bitrate,
		})
	}
	if s.Ethernet.Address != "" {
		cfg := ethernet.Config{Address: s.Ethernet.Address}
		if s.Ethernet.JumpHost != "" {
			cfg.Tunnel = &ethernet.TunnelConfig{
				Host:       s.Ethernet.JumpHost,
				User:       s.Ethernet.JumpUser,
				KeyFile:    s.Ethernet.KeyFile,
				KnownHosts: s.Ethernet.KnownHosts,
			}
		}
		ts.IP = ethernet.New(cfg)
	}
	if ts.CAN == nil && ts.IP == nil {
		return ts, util.NewConfigError("no transport configured: set can.port or ethernet.address")
	}
	return ts, nil
}

// announceDriver warns that a simulated run contacts no hardware.
func announceDriver(out io.Writer, driver string) {
	if driver == sim.DriverName {
		fmt.Fprintln(out, cli.Yellow("Simulated run: the sim driver contacts no hardware"))
	}
}

// openSession opens the access bus transport, the session and the protocol
// driver for j.
func openSession(ctx context.Context, s *settings.Settings, j *job) (*session.Base, *protocol.Stack, error) {
	ts, err := buildTransports(s)
	if err != nil {
		return nil, nil, err
	}
	base, err := session.Init(ctx, j.topo, j.accessBus, j.active, ts)
	if err != nil {
		return nil, nil, err
	}
	stack, err := protocol.Open(ctx, s.Driver, protocol.Config{
		Topology:   j.topo,
		AccessBus:  j.accessBus,
		Transports: ts,
	})
	if err != nil {
		base.Close()
		return nil, nil, err
	}
	return base, stack, nil
}

// newSequencer creates a sequencer configured from the settings.
func (a *app) newSequencer(base *session.Base, stack *protocol.Stack, rep sequence.Reporter) *sequence.Sequencer {
	opts := []sequence.Option{
		sequence.WithReporter(rep),
		sequence.WithResetWait(a.settings.ResetWait),
		sequence.WithFingerprint(a.settings.UserName(), version.Tool()),
	}
	if a.settings.BlockSize > 0 {
		opts = append(opts, sequence.WithBlockSize(a.settings.BlockSize))
	}
	return sequence.New(base, stack, opts...)
}

// runSinks is the reporter chain of one run and what must happen when the
// run ends.
type runSinks struct {
	reporter sequence.Reporter
	finish   []func(err error)
}

// Finish runs the end-of-run hooks, last added first.
func (r *runSinks) Finish(err error) {
	for i := len(r.finish) - 1; i >= 0; i-- {
		r.finish[i](err)
	}
}

// openSinks builds the reporter chain: console and MQTT fan out, the audit
// log and the fleet state store decorate it. Only the fleet lock can fail
// the run; the other sinks log their problems and stay out of the way.
func (a *app) openSinks(ctx context.Context, j *job, runID, fleet string, out io.Writer) (*runSinks, error) {
	s := a.settings
	user := s.UserName()
	sinks := &runSinks{}

	fan := progress.Multi{progress.NewConsole(out, a.verbose, j.nodeNames())}
	if s.MQTT.Broker != "" {
		clientID := s.MQTT.ClientID
		if clientID == "" {
			clientID = "sydeflash-" + runID
		}
		client, err := progress.Connect(progress.MQTTConfig{
			Broker:         s.MQTT.Broker,
			ClientID:       clientID,
			Username:       s.MQTT.Username,
			Password:       s.MQTT.Password,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			util.WithField("broker", s.MQTT.Broker).WithError(err).Warn("progress publishing disabled")
		} else {
			mr := progress.NewMQTTReporter(client, s.MQTT.Topic, runID)
			fan = append(fan, mr)
			sinks.finish = append(sinks.finish, func(error) {
				mr.Wait()
				client.Disconnect(250)
			})
		}
	}
	var rep sequence.Reporter = fan

	logger, err := a.openAuditLog()
	if err != nil {
		util.Warnf("Could not initialize audit logging: %v", err)
	} else {
		audit.SetDefaultLogger(logger)
		rep = audit.NewReporter(rep, logger, j.topo, j.assignments, user, runID).WithPackage(j.pkgPath)
		started := time.Now()
		sinks.finish = append(sinks.finish, func(err error) {
			ev := audit.NewEvent(user, audit.OpUpdateRun).
				WithRun(runID).
				WithPackage(j.pkgPath).
				WithResult(err).
				WithDuration(time.Since(started))
			if lerr := logger.Log(ev); lerr != nil {
				util.Warnf("writing audit event: %v", lerr)
			}
			logger.Close()
		})
	}

	if s.Redis.Addr != "" {
		store := fleetstate.NewRedisStore(s.Redis.Addr, s.Redis.DB, s.Redis.Expiry)
		if err := store.Connect(ctx); err != nil {
			sinks.Finish(err)
			return nil, fmt.Errorf("fleet state store: %w", err)
		}
		if err := store.AcquireLock(ctx, fleet, user, s.Redis.LockTTL); err != nil {
			store.Close()
			sinks.Finish(err)
			return nil, fmt.Errorf("locking fleet %s: %w", fleet, err)
		}
		fr := fleetstate.NewReporter(ctx, rep, store, fleetstate.RunState{
			ID:      runID,
			Fleet:   fleet,
			User:    user,
			Package: j.pkgPath,
		})
		rep = fr
		sinks.finish = append(sinks.finish, func(err error) {
			fr.Finish(err)
			var result *multierror.Error
			if rerr := store.ReleaseLock(context.Background(), fleet, user); rerr != nil {
				result = multierror.Append(result, rerr)
			}
			if cerr := store.Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
			if result != nil {
				util.WithField("fleet", fleet).WithError(result).Warn("closing fleet state store")
			}
		})
	}

	sinks.reporter = rep
	return sinks, nil
}

// resetAfter runs the reset phase after a failed or finished phase so the
// nodes leave their flashloaders. An abort leaves the nodes as they are.
// The first error wins; a reset failure after an earlier failure is logged.
func resetAfter(ctx context.Context, seq *sequence.Sequencer, err error) error {
	if util.IsAbort(err) {
		return err
	}
	rerr := seq.ResetSystem(ctx)
	if err == nil {
		return rerr
	}
	if rerr != nil {
		util.WithOperation("reset").WithError(rerr).Warn("reset after failure")
	}
	return err
}
