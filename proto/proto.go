// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package proto defines the request/response messages exchanged over
// privd's service sockets.
//
// Every request frame opens with a u32 operation code followed by the
// operation's fields. Every response frame opens with a u32 status
// code; payload fields follow only on StatusOK. Field encoding is the
// wire package's: big-endian fixed-width integers, length-prefixed
// UTF-8 strings, count-prefixed string lists.
package proto

import (
	"fmt"

	"github.com/privd-project/privd/wire"
)

// Op identifies a requested operation. Install operations live below
// 16; the query range starts at 16.
type Op uint32

const (
	OpAppInstall   Op = 1
	OpAppUninstall Op = 2

	OpGetAppPackage        Op = 16
	OpGetAppPrivileges     Op = 17
	OpGetPackagePrivileges Op = 18
	OpGetPrivilegeGroups   Op = 19
	OpGetUserApps          Op = 20
	OpGetPackageApps       Op = 21
)

func (op Op) String() string {
	switch op {
	case OpAppInstall:
		return "app-install"
	case OpAppUninstall:
		return "app-uninstall"
	case OpGetAppPackage:
		return "get-app-package"
	case OpGetAppPrivileges:
		return "get-app-privileges"
	case OpGetPackagePrivileges:
		return "get-package-privileges"
	case OpGetPrivilegeGroups:
		return "get-privilege-groups"
	case OpGetUserApps:
		return "get-user-apps"
	case OpGetPackageApps:
		return "get-package-apps"
	}
	return fmt.Sprintf("op-%d", uint32(op))
}

// Status is the result code opening every response frame.
type Status uint32

const (
	StatusOK         Status = 0
	StatusNotFound   Status = 1
	StatusInvalid    Status = 2
	StatusDenied     Status = 3
	StatusConstraint Status = 4
	StatusInternal   Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not-found"
	case StatusInvalid:
		return "invalid"
	case StatusDenied:
		return "denied"
	case StatusConstraint:
		return "constraint"
	case StatusInternal:
		return "internal"
	}
	return fmt.Sprintf("status-%d", uint32(s))
}

// NewRequest starts a request frame for op.
func NewRequest(op Op) *wire.Buffer {
	var b wire.Buffer
	b.PutUint32(uint32(op))
	return &b
}

// ReadOp consumes the operation code opening a request frame.
func ReadOp(r *wire.Reader) (Op, error) {
	v, err := r.Uint32()
	if err != nil {
		return 0, fmt.Errorf("reading op code: %w", err)
	}
	return Op(v), nil
}

// NewResponse starts a response frame with the given status.
func NewResponse(status Status) *wire.Buffer {
	var b wire.Buffer
	b.PutUint32(uint32(status))
	return &b
}

// ReadStatus consumes the status code opening a response frame.
func ReadStatus(r *wire.Reader) (Status, error) {
	v, err := r.Uint32()
	if err != nil {
		return 0, fmt.Errorf("reading status code: %w", err)
	}
	return Status(v), nil
}

// AppInstallRequest registers an application together with its full
// initial privilege set.
type AppInstallRequest struct {
	AppID      string
	PackageID  string
	UID        uint32
	Privileges []string
}

func (m *AppInstallRequest) Encode(b *wire.Buffer) {
	b.PutString(m.AppID)
	b.PutString(m.PackageID)
	b.PutUint32(m.UID)
	b.PutStringList(m.Privileges)
}

func (m *AppInstallRequest) Decode(r *wire.Reader) (err error) {
	if m.AppID, err = r.String(); err != nil {
		return err
	}
	if m.PackageID, err = r.String(); err != nil {
		return err
	}
	if m.UID, err = r.Uint32(); err != nil {
		return err
	}
	m.Privileges, err = r.StringList()
	return err
}

// AppUninstallRequest removes an application and all its privilege
// assignments.
type AppUninstallRequest struct {
	AppID string
	UID   uint32
}

func (m *AppUninstallRequest) Encode(b *wire.Buffer) {
	b.PutString(m.AppID)
	b.PutUint32(m.UID)
}

func (m *AppUninstallRequest) Decode(r *wire.Reader) (err error) {
	if m.AppID, err = r.String(); err != nil {
		return err
	}
	m.UID, err = r.Uint32()
	return err
}

// AppUninstallResponse reports whether other applications of the
// removed application's package remain installed for any user; the
// caller uses it to decide on package-level cleanup.
type AppUninstallResponse struct {
	PackageStillExists bool
}

func (m *AppUninstallResponse) Encode(b *wire.Buffer) {
	var v uint8
	if m.PackageStillExists {
		v = 1
	}
	b.PutUint8(v)
}

func (m *AppUninstallResponse) Decode(r *wire.Reader) error {
	v, err := r.Uint8()
	if err != nil {
		return err
	}
	m.PackageStillExists = v != 0
	return nil
}

// GetAppPackageRequest looks up the package owning an application.
// An absent application yields StatusNotFound, not an error.
type GetAppPackageRequest struct {
	AppID string
}

func (m *GetAppPackageRequest) Encode(b *wire.Buffer) {
	b.PutString(m.AppID)
}

func (m *GetAppPackageRequest) Decode(r *wire.Reader) (err error) {
	m.AppID, err = r.String()
	return err
}

// AppPackageResponse carries the owning package id.
type AppPackageResponse struct {
	PackageID string
}

func (m *AppPackageResponse) Encode(b *wire.Buffer) {
	b.PutString(m.PackageID)
}

func (m *AppPackageResponse) Decode(r *wire.Reader) (err error) {
	m.PackageID, err = r.String()
	return err
}

// AppPrivilegesRequest asks for an application's privilege set.
type AppPrivilegesRequest struct {
	AppID string
	UID   uint32
}

func (m *AppPrivilegesRequest) Encode(b *wire.Buffer) {
	b.PutString(m.AppID)
	b.PutUint32(m.UID)
}

func (m *AppPrivilegesRequest) Decode(r *wire.Reader) (err error) {
	if m.AppID, err = r.String(); err != nil {
		return err
	}
	m.UID, err = r.Uint32()
	return err
}

// PackagePrivilegesRequest asks for the union of privileges across a
// package's applications for one user.
type PackagePrivilegesRequest struct {
	PackageID string
	UID       uint32
}

func (m *PackagePrivilegesRequest) Encode(b *wire.Buffer) {
	b.PutString(m.PackageID)
	b.PutUint32(m.UID)
}

func (m *PackagePrivilegesRequest) Decode(r *wire.Reader) (err error) {
	if m.PackageID, err = r.String(); err != nil {
		return err
	}
	m.UID, err = r.Uint32()
	return err
}

// PrivilegeGroupsRequest asks for the OS groups mapped to a
// privilege.
type PrivilegeGroupsRequest struct {
	Privilege string
}

func (m *PrivilegeGroupsRequest) Encode(b *wire.Buffer) {
	b.PutString(m.Privilege)
}

func (m *PrivilegeGroupsRequest) Decode(r *wire.Reader) (err error) {
	m.Privilege, err = r.String()
	return err
}

// UserAppsRequest enumerates a user's installed applications.
type UserAppsRequest struct {
	UID uint32
}

func (m *UserAppsRequest) Encode(b *wire.Buffer) {
	b.PutUint32(m.UID)
}

func (m *UserAppsRequest) Decode(r *wire.Reader) (err error) {
	m.UID, err = r.Uint32()
	return err
}

// PackageAppsRequest enumerates the applications of a package across
// all users.
type PackageAppsRequest struct {
	PackageID string
}

func (m *PackageAppsRequest) Encode(b *wire.Buffer) {
	b.PutString(m.PackageID)
}

func (m *PackageAppsRequest) Decode(r *wire.Reader) (err error) {
	m.PackageID, err = r.String()
	return err
}

// NameListResponse carries the name lists the query operations
// return: privilege names, group names, or application ids.
type NameListResponse struct {
	Names []string
}

func (m *NameListResponse) Encode(b *wire.Buffer) {
	b.PutStringList(m.Names)
}

func (m *NameListResponse) Decode(r *wire.Reader) (err error) {
	m.Names, err = r.StringList()
	return err
}
