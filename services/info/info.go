// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package info implements the read-only query service any local
// process may reach: app-to-package resolution, privilege sets,
// privilege-to-group mappings, and installation enumeration.
package info

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/privd-project/privd/ipc"
	"github.com/privd-project/privd/privstore"
	"github.com/privd-project/privd/proto"
	"github.com/privd-project/privd/wire"
)

// SocketName is the query endpoint's file name under the runtime
// directory.
const SocketName = "privd-info.sock"

// Service answers the query operations. All reads are single
// statements against the store; no transaction bracket is needed.
type Service struct {
	store  *privstore.Store
	logger *slog.Logger
	path   string
}

// New creates the info service listening under runtimeDir.
func New(store *privstore.Store, runtimeDir string, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With("service", "info"),
		path:   filepath.Join(runtimeDir, SocketName),
	}
}

func (s *Service) Name() string { return "info" }

func (s *Service) Describe() []ipc.Description {
	return []ipc.Description{{Path: s.path, Peer: ipc.PeerAny, Kind: ipc.Stream}}
}

func (s *Service) HandleMessage(ctx context.Context, conn *ipc.ConnContext, req *wire.Reader) (*wire.Buffer, error) {
	op, err := proto.ReadOp(req)
	if err != nil {
		return nil, err
	}
	switch op {
	case proto.OpGetAppPackage:
		return s.appPackage(ctx, req)
	case proto.OpGetAppPrivileges:
		return s.appPrivileges(ctx, req)
	case proto.OpGetPackagePrivileges:
		return s.packagePrivileges(ctx, req)
	case proto.OpGetPrivilegeGroups:
		return s.privilegeGroups(ctx, req)
	case proto.OpGetUserApps:
		return s.userApps(ctx, req)
	case proto.OpGetPackageApps:
		return s.packageApps(ctx, req)
	}
	s.logger.Warn("unknown operation", "op", op, "peer_pid", conn.Peer.PID)
	return proto.NewResponse(proto.StatusInvalid), nil
}

func (s *Service) appPackage(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.GetAppPackageRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	packageID, found, err := s.store.GetAppPackage(ctx, m.AppID)
	if err != nil {
		return s.failure("get-app-package", err), nil
	}
	if !found {
		return proto.NewResponse(proto.StatusNotFound), nil
	}
	resp := proto.NewResponse(proto.StatusOK)
	(&proto.AppPackageResponse{PackageID: packageID}).Encode(resp)
	return resp, nil
}

func (s *Service) appPrivileges(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.AppPrivilegesRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	privileges, err := s.store.GetAppPrivileges(ctx, m.AppID, m.UID)
	if err != nil {
		return s.failure("get-app-privileges", err), nil
	}
	return nameList(privileges), nil
}

func (s *Service) packagePrivileges(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.PackagePrivilegesRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	privileges, err := s.store.GetPackagePrivileges(ctx, m.PackageID, m.UID)
	if err != nil {
		return s.failure("get-package-privileges", err), nil
	}
	return nameList(privileges), nil
}

func (s *Service) privilegeGroups(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.PrivilegeGroupsRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	groups, err := s.store.GetPrivilegeGroups(ctx, m.Privilege)
	if err != nil {
		return s.failure("get-privilege-groups", err), nil
	}
	return nameList(groups), nil
}

func (s *Service) userApps(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.UserAppsRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	apps, err := s.store.GetUserApps(ctx, m.UID)
	if err != nil {
		return s.failure("get-user-apps", err), nil
	}
	return nameList(apps), nil
}

func (s *Service) packageApps(ctx context.Context, req *wire.Reader) (*wire.Buffer, error) {
	var m proto.PackageAppsRequest
	if err := m.Decode(req); err != nil {
		return nil, err
	}
	apps, err := s.store.GetAppsInPackage(ctx, m.PackageID)
	if err != nil {
		return s.failure("get-package-apps", err), nil
	}
	return nameList(apps), nil
}

func nameList(names []string) *wire.Buffer {
	resp := proto.NewResponse(proto.StatusOK)
	(&proto.NameListResponse{Names: names}).Encode(resp)
	return resp
}

// failure logs a store fault and tells the client the operation
// failed. Reads never violate constraints, so everything surfaces as
// internal.
func (s *Service) failure(op string, err error) *wire.Buffer {
	s.logger.Error("query failed", "op", op, "error", err)
	return proto.NewResponse(proto.StatusInternal)
}
