// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Command privdctl is the operator client for the privd daemon. It
// speaks the daemon's binary socket protocol: install/uninstall
// against the root-only installer endpoint, everything else against
// the open query endpoint.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/privd-project/privd/proto"
	"github.com/privd-project/privd/services/info"
	"github.com/privd-project/privd/services/installer"
	"github.com/privd-project/privd/wire"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "privdctl: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage: privdctl <command> [flags]

Commands:
  install         register an application with its privilege set
  uninstall       remove an application and its privileges
  app-pkg         resolve the package owning an application
  app-privileges  list an application's privileges
  pkg-privileges  list a package's combined privileges
  groups          list the OS groups mapped to a privilege
  user-apps       list a user's installed applications
  pkg-apps        list the applications in a package

Run 'privdctl <command> --help' for command flags.
`)
}

func run(args []string) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return fmt.Errorf("command required")
	}
	command, rest := args[0], args[1:]
	switch command {
	case "install":
		return cmdInstall(rest)
	case "uninstall":
		return cmdUninstall(rest)
	case "app-pkg":
		return cmdAppPackage(rest)
	case "app-privileges":
		return cmdAppPrivileges(rest)
	case "pkg-privileges":
		return cmdPackagePrivileges(rest)
	case "groups":
		return cmdGroups(rest)
	case "user-apps":
		return cmdUserApps(rest)
	case "pkg-apps":
		return cmdPackageApps(rest)
	case "help", "--help", "-h":
		usage(os.Stdout)
		return nil
	}
	usage(os.Stderr)
	return fmt.Errorf("unknown command %q", command)
}

// newFlags builds a flag set with the options every command shares.
func newFlags(name string, runtimeDir *string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.StringVar(runtimeDir, "runtime-dir", "/run/privd", "daemon runtime directory holding the sockets")
	return flags
}

// roundTrip sends one request frame and reads one response frame.
func roundTrip(socketPath string, req *wire.Buffer) (*wire.Reader, error) {
	frame, err := req.Frame()
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s (is privd running?): %w", socketPath, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > wire.MaxFrameSize {
		return nil, fmt.Errorf("response frame of %d bytes exceeds protocol cap", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return wire.NewReader(payload), nil
}

// query round-trips against the info endpoint and checks for an OK
// status before handing back the payload.
func query(runtimeDir string, req *wire.Buffer) (*wire.Reader, error) {
	resp, err := roundTrip(filepath.Join(runtimeDir, info.SocketName), req)
	if err != nil {
		return nil, err
	}
	status, err := proto.ReadStatus(resp)
	if err != nil {
		return nil, err
	}
	if status != proto.StatusOK {
		return nil, fmt.Errorf("daemon refused the request: %s", status)
	}
	return resp, nil
}

func printNames(req *wire.Buffer, runtimeDir string) error {
	resp, err := query(runtimeDir, req)
	if err != nil {
		return err
	}
	var list proto.NameListResponse
	if err := list.Decode(resp); err != nil {
		return err
	}
	for _, name := range list.Names {
		fmt.Println(name)
	}
	return nil
}

func cmdInstall(args []string) error {
	var runtimeDir string
	flags := newFlags("install", &runtimeDir)
	app := flags.String("app", "", "application id")
	pkg := flags.String("pkg", "", "package id")
	uid := flags.Uint32("uid", 0, "user id the application belongs to")
	privileges := flags.StringSlice("privilege", nil, "privilege to grant (repeatable)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *app == "" || *pkg == "" {
		return fmt.Errorf("install requires --app and --pkg")
	}

	req := proto.NewRequest(proto.OpAppInstall)
	(&proto.AppInstallRequest{
		AppID:      *app,
		PackageID:  *pkg,
		UID:        *uid,
		Privileges: *privileges,
	}).Encode(req)

	resp, err := roundTrip(filepath.Join(runtimeDir, installer.SocketName), req)
	if err != nil {
		return err
	}
	status, err := proto.ReadStatus(resp)
	if err != nil {
		return err
	}
	switch status {
	case proto.StatusOK:
		fmt.Printf("installed %s (package %s, uid %d, %d privileges)\n",
			*app, *pkg, *uid, len(*privileges))
		return nil
	case proto.StatusConstraint:
		return fmt.Errorf("application %s already installed for uid %d", *app, *uid)
	}
	return fmt.Errorf("install failed: %s", status)
}

func cmdUninstall(args []string) error {
	var runtimeDir string
	flags := newFlags("uninstall", &runtimeDir)
	app := flags.String("app", "", "application id")
	uid := flags.Uint32("uid", 0, "user id the application belongs to")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return fmt.Errorf("uninstall requires --app")
	}

	req := proto.NewRequest(proto.OpAppUninstall)
	(&proto.AppUninstallRequest{AppID: *app, UID: *uid}).Encode(req)

	resp, err := roundTrip(filepath.Join(runtimeDir, installer.SocketName), req)
	if err != nil {
		return err
	}
	status, err := proto.ReadStatus(resp)
	if err != nil {
		return err
	}
	if status != proto.StatusOK {
		return fmt.Errorf("uninstall failed: %s", status)
	}
	var result proto.AppUninstallResponse
	if err := result.Decode(resp); err != nil {
		return err
	}
	if result.PackageStillExists {
		fmt.Printf("uninstalled %s; other applications of its package remain\n", *app)
	} else {
		fmt.Printf("uninstalled %s; its package has no applications left\n", *app)
	}
	return nil
}

func cmdAppPackage(args []string) error {
	var runtimeDir string
	flags := newFlags("app-pkg", &runtimeDir)
	app := flags.String("app", "", "application id")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return fmt.Errorf("app-pkg requires --app")
	}

	req := proto.NewRequest(proto.OpGetAppPackage)
	(&proto.GetAppPackageRequest{AppID: *app}).Encode(req)

	resp, err := roundTrip(filepath.Join(runtimeDir, info.SocketName), req)
	if err != nil {
		return err
	}
	status, err := proto.ReadStatus(resp)
	if err != nil {
		return err
	}
	switch status {
	case proto.StatusOK:
	case proto.StatusNotFound:
		return fmt.Errorf("application %s is not installed", *app)
	default:
		return fmt.Errorf("lookup failed: %s", status)
	}
	var pkg proto.AppPackageResponse
	if err := pkg.Decode(resp); err != nil {
		return err
	}
	fmt.Println(pkg.PackageID)
	return nil
}

func cmdAppPrivileges(args []string) error {
	var runtimeDir string
	flags := newFlags("app-privileges", &runtimeDir)
	app := flags.String("app", "", "application id")
	uid := flags.Uint32("uid", 0, "user id the application belongs to")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *app == "" {
		return fmt.Errorf("app-privileges requires --app")
	}

	req := proto.NewRequest(proto.OpGetAppPrivileges)
	(&proto.AppPrivilegesRequest{AppID: *app, UID: *uid}).Encode(req)
	return printNames(req, runtimeDir)
}

func cmdPackagePrivileges(args []string) error {
	var runtimeDir string
	flags := newFlags("pkg-privileges", &runtimeDir)
	pkg := flags.String("pkg", "", "package id")
	uid := flags.Uint32("uid", 0, "user id")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *pkg == "" {
		return fmt.Errorf("pkg-privileges requires --pkg")
	}

	req := proto.NewRequest(proto.OpGetPackagePrivileges)
	(&proto.PackagePrivilegesRequest{PackageID: *pkg, UID: *uid}).Encode(req)
	return printNames(req, runtimeDir)
}

func cmdGroups(args []string) error {
	var runtimeDir string
	flags := newFlags("groups", &runtimeDir)
	privilege := flags.String("privilege", "", "privilege name")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *privilege == "" {
		return fmt.Errorf("groups requires --privilege")
	}

	req := proto.NewRequest(proto.OpGetPrivilegeGroups)
	(&proto.PrivilegeGroupsRequest{Privilege: *privilege}).Encode(req)
	return printNames(req, runtimeDir)
}

func cmdUserApps(args []string) error {
	var runtimeDir string
	flags := newFlags("user-apps", &runtimeDir)
	uid := flags.Uint32("uid", 0, "user id")
	if err := flags.Parse(args); err != nil {
		return err
	}

	req := proto.NewRequest(proto.OpGetUserApps)
	(&proto.UserAppsRequest{UID: *uid}).Encode(req)
	return printNames(req, runtimeDir)
}

func cmdPackageApps(args []string) error {
	var runtimeDir string
	flags := newFlags("pkg-apps", &runtimeDir)
	pkg := flags.String("pkg", "", "package id")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *pkg == "" {
		return fmt.Errorf("pkg-apps requires --pkg")
	}

	req := proto.NewRequest(proto.OpGetPackageApps)
	(&proto.PackageAppsRequest{PackageID: *pkg}).Encode(req)
	return printNames(req, runtimeDir)
}
