// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package installer implements the root-only service that mutates the
// privilege store: application install and uninstall. Each operation
// runs as one store transaction, so a fault mid-sequence never leaves
// an application without its package link or with a partial privilege
// set.
package installer

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/privd-project/privd/ipc"
	"github.com/privd-project/privd/privstore"
	"github.com/privd-project/privd/proto"
	"github.com/privd-project/privd/wire"
)

// SocketName is the installer endpoint's file name under the runtime
// directory.
const SocketName = "privd-installer.sock"

// Service handles install and uninstall requests. Only root peers are
// admitted; package managers run privileged.
type Service struct {
	store  *privstore.Store
	logger *slog.Logger
	path   string
	peer   ipc.PeerPolicy
}

// New creates the installer service listening under runtimeDir.
func New(store *privstore.Store, runtimeDir string, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With("service", "installer"),
		path:   filepath.Join(runtimeDir, SocketName),
		peer:   ipc.PeerRoot,
	}
}

func (s *Service) Name() string { return "installer" }

func (s *Service) Describe() []ipc.Description {
	return []ipc.Description{{Path: s.path, Peer: s.peer, Kind: ipc.Stream}}
}

func (s *Service) HandleMessage(ctx context.Context, conn *ipc.ConnContext, req *wire.Reader) (*wire.Buffer, error) {
	op, err := proto.ReadOp(req)
	if err != nil {
		return nil, err
	}
	switch op {
	case proto.OpAppInstall:
		return s.install(ctx, req)
	case proto.OpAppUninstall:
		return s.uninstall(ctx, req)
	}
	s.logger.Warn("unknown operation", "op", op, "peer_pid", conn.Peer.PID)
	return proto.NewResponse(proto.StatusInvalid), nil
}

func (s *Service) install(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.AppInstallRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	if m.AppID == "" || m.PackageID == "" {
		return proto.NewResponse(proto.StatusInvalid), nil
	}

	err := s.store.WithTx(ctx, func(tx *privstore.Tx) error {
		if err := tx.AddApplication(m.AppID, m.PackageID, m.UID); err != nil {
			return err
		}
		return tx.UpdateAppPrivileges(m.AppID, m.UID, m.Privileges)
	})
	if err != nil {
		s.logger.Error("install failed",
			"app", m.AppID,
			"pkg", m.PackageID,
			"uid", m.UID,
			"error", err,
		)
		return proto.NewResponse(statusFor(err)), nil
	}

	s.logger.Info("application installed",
		"app", m.AppID,
		"pkg", m.PackageID,
		"uid", m.UID,
		"privileges", len(m.Privileges),
	)
	return proto.NewResponse(proto.StatusOK), nil
}

func (s *Service) uninstall(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.AppUninstallRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	if m.AppID == "" {
		return proto.NewResponse(proto.StatusInvalid), nil
	}

	var stillExists bool
	err := s.store.WithTx(ctx, func(tx *privstore.Tx) error {
		if err := tx.RemoveAppPrivileges(m.AppID, m.UID); err != nil {
			return err
		}
		var err error
		stillExists, err = tx.RemoveApplication(m.AppID, m.UID)
		return err
	})
	if err != nil {
		s.logger.Error("uninstall failed", "app", m.AppID, "uid", m.UID, "error", err)
		return proto.NewResponse(statusFor(err)), nil
	}

	s.logger.Info("application uninstalled",
		"app", m.AppID,
		"uid", m.UID,
		"package_still_exists", stillExists,
	)
	resp := proto.NewResponse(proto.StatusOK)
	(&proto.AppUninstallResponse{PackageStillExists: stillExists}).Encode(resp)
	return resp, nil
}

// statusFor maps a store failure to the client-visible status. The
// store has already rolled back; the daemon keeps serving.
func statusFor(err error) proto.Status {
	if errors.Is(err, privstore.ErrConstraint) {
		return proto.StatusConstraint
	}
	return proto.StatusInternal
}
