package commands

import (
	"context"
	"fmt"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/config"
	"github.com/projup/projup/pkg/engine"
	"github.com/projup/projup/pkg/sessions/memory"
	"github.com/projup/projup/pkg/sessions/remote"
	"github.com/projup/projup/pkg/sessions/solutionfile"
	sshtransport "github.com/projup/projup/pkg/transports/ssh"
)

// Session kinds accepted by --session and session.kind.
const (
	sessionSolutionFile = "solution-file"
	sessionMemory       = "memory"
	sessionRemote       = "remote"
)

// connector returns the automation connector for the configured session kind.
func (a *app) connector(ctx context.Context) (automation.Connector, error) {
	switch a.cfg.Session.Kind {
	case sessionSolutionFile:
		return solutionfile.Connector(), nil
	case sessionMemory:
		a.logger.Warn().Msg("Using the in-memory session, nothing will be written")
		return memory.New().Connector(), nil
	case sessionRemote:
		return a.remoteConnector(ctx)
	default:
		return nil, fmt.Errorf("unknown session kind: %s", a.cfg.Session.Kind)
	}
}

func (a *app) remoteConnector(ctx context.Context) (automation.Connector, error) {
	rc := a.cfg.Session.Remote
	if rc == nil {
		return nil, fmt.Errorf("session kind remote requires session.remote")
	}

	progID, err := engine.VisualStudioVersion(a.cfg.VisualStudio).ProgID()
	if err != nil {
		return nil, err
	}

	var transport remote.Transport
	switch rc.Transport {
	case "ssh":
		client, err := a.dialSSH(ctx, rc.SSH)
		if err != nil {
			return nil, err
		}
		transport = client
	default:
		transport = &remote.LocalTransport{}
	}

	ttl, startup, command := rc.Timeouts()
	a.logger.Debug().
		Str("transport", rc.Transport).
		Str("prog_id", progID).
		Dur("ttl", ttl).
		Msg("Using remote automation host")

	return remote.Connector(remote.Config{
		Transport:      transport,
		HostBinary:     rc.HostBinary,
		RemotePath:     rc.RemotePath,
		ProgramID:      progID,
		TTL:            ttl,
		StartupTimeout: startup,
		CommandTimeout: command,
		Logger:         a.logger,
	}), nil
}

// dialSSH connects once; every host started during the command shares the
// connection, which is closed with the app.
func (a *app) dialSSH(ctx context.Context, sc *config.SSHConfig) (*sshtransport.Client, error) {
	if sc == nil {
		return nil, fmt.Errorf("ssh transport requires session.remote.ssh")
	}
	cfg := sshtransport.DefaultConfig(sc.Host, sc.User)
	cfg.Port = sc.Port
	cfg.AuthMethod = sshtransport.AuthMethod(sc.AuthMethod)
	cfg.Password = sc.Password
	cfg.PrivateKeyPath = sc.PrivateKeyPath
	if sc.KnownHostsPath != "" {
		cfg.KnownHostsPath = sc.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = sc.StrictHostKeyChecking

	client, err := sshtransport.NewClient(cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("invalid ssh settings: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := client.Disconnect(); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to close ssh connection")
		}
	})
	return client, nil
}
