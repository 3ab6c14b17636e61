// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

package installer

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/privd-project/privd/ipc"
	"github.com/privd-project/privd/lib/testutil"
	"github.com/privd-project/privd/privstore"
	"github.com/privd-project/privd/proto"
	"github.com/privd-project/privd/services/info"
	"github.com/privd-project/privd/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newStore(t *testing.T) *privstore.Store {
	t.Helper()
	store, err := privstore.Open(privstore.Config{
		Path:   filepath.Join(t.TempDir(), "privilege.db"),
		Create: true,
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// handle runs one request buffer through the service the way the
// worker would: framed, re-decoded, dispatched.
func handle(t *testing.T, svc *Service, req *wire.Buffer) *wire.Reader {
	t.Helper()
	resp := dispatch(t, svc, req)
	if resp == nil {
		t.Fatal("handler returned no response")
	}
	return reparse(t, resp)
}

func dispatch(t *testing.T, svc *Service, req *wire.Buffer) *wire.Buffer {
	t.Helper()
	conn := &ipc.ConnContext{Peer: ipc.Credentials{UID: 0, PID: 1}}
	resp, err := svc.HandleMessage(context.Background(), conn, reparse(t, req))
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	return resp
}

func reparse(t *testing.T, b *wire.Buffer) *wire.Reader {
	t.Helper()
	frame, err := b.Frame()
	if err != nil {
		t.Fatalf("framing: %v", err)
	}
	var d wire.Decoder
	d.Feed(frame)
	r, err := d.Next()
	if err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return r
}

func expectStatus(t *testing.T, resp *wire.Reader, want proto.Status) {
	t.Helper()
	status, err := proto.ReadStatus(resp)
	if err != nil {
		t.Fatalf("ReadStatus: %v", err)
	}
	if status != want {
		t.Fatalf("status = %v; want %v", status, want)
	}
}

func installRequest(m proto.AppInstallRequest) *wire.Buffer {
	b := proto.NewRequest(proto.OpAppInstall)
	m.Encode(b)
	return b
}

func uninstallRequest(m proto.AppUninstallRequest) *wire.Buffer {
	b := proto.NewRequest(proto.OpAppUninstall)
	m.Encode(b)
	return b
}

func TestInstallThenQuery(t *testing.T) {
	store := newStore(t)
	svc := New(store, t.TempDir(), testLogger())

	resp := handle(t, svc, installRequest(proto.AppInstallRequest{
		AppID:      "app1",
		PackageID:  "pkg1",
		UID:        0,
		Privileges: []string{"net", "camera", "net"},
	}))
	expectStatus(t, resp, proto.StatusOK)

	packageID, found, err := store.GetAppPackage(context.Background(), "app1")
	if err != nil || !found || packageID != "pkg1" {
		t.Fatalf("GetAppPackage = (%q, %v, %v); want (pkg1, true, nil)", packageID, found, err)
	}
	privileges, err := store.GetAppPrivileges(context.Background(), "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	if !reflect.DeepEqual(privileges, []string{"camera", "net"}) {
		t.Fatalf("privileges = %v; want [camera net]", privileges)
	}
}

func TestInstallRejectsEmptyIdentifiers(t *testing.T) {
	svc := New(newStore(t), t.TempDir(), testLogger())

	resp := handle(t, svc, installRequest(proto.AppInstallRequest{AppID: "", PackageID: "pkg1"}))
	expectStatus(t, resp, proto.StatusInvalid)

	resp = handle(t, svc, installRequest(proto.AppInstallRequest{AppID: "app1", PackageID: ""}))
	expectStatus(t, resp, proto.StatusInvalid)
}

func TestDuplicateInstallRollsBackCompletely(t *testing.T) {
	store := newStore(t)
	svc := New(store, t.TempDir(), testLogger())

	resp := handle(t, svc, installRequest(proto.AppInstallRequest{
		AppID: "app1", PackageID: "pkg1", Privileges: []string{"net"},
	}))
	expectStatus(t, resp, proto.StatusOK)

	resp = handle(t, svc, installRequest(proto.AppInstallRequest{
		AppID: "app1", PackageID: "pkg2", Privileges: []string{"location"},
	}))
	expectStatus(t, resp, proto.StatusConstraint)

	// The failed install must not have touched the privilege set.
	privileges, err := store.GetAppPrivileges(context.Background(), "app1", 0)
	if err != nil {
		t.Fatalf("GetAppPrivileges: %v", err)
	}
	if !reflect.DeepEqual(privileges, []string{"net"}) {
		t.Fatalf("privileges = %v; want [net] intact", privileges)
	}
}

func TestUninstallReportsPackageCleanup(t *testing.T) {
	store := newStore(t)
	svc := New(store, t.TempDir(), testLogger())

	for _, app := range []string{"app1", "app2"} {
		resp := handle(t, svc, installRequest(proto.AppInstallRequest{
			AppID: app, PackageID: "pkg1", Privileges: []string{"net"},
		}))
		expectStatus(t, resp, proto.StatusOK)
	}

	resp := handle(t, svc, uninstallRequest(proto.AppUninstallRequest{AppID: "app1"}))
	expectStatus(t, resp, proto.StatusOK)
	var result proto.AppUninstallResponse
	if err := result.Decode(resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !result.PackageStillExists {
		t.Fatal("PackageStillExists = false with app2 still installed")
	}

	resp = handle(t, svc, uninstallRequest(proto.AppUninstallRequest{AppID: "app2"}))
	expectStatus(t, resp, proto.StatusOK)
	if err := result.Decode(resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.PackageStillExists {
		t.Fatal("PackageStillExists = true after the package's last app was removed")
	}
}

func TestUnknownOperationIsInvalid(t *testing.T) {
	svc := New(newStore(t), t.TempDir(), testLogger())
	resp := handle(t, svc, proto.NewRequest(proto.Op(999)))
	expectStatus(t, resp, proto.StatusInvalid)
}

func TestTruncatedRequestClosesConnection(t *testing.T) {
	svc := New(newStore(t), t.TempDir(), testLogger())

	b := proto.NewRequest(proto.OpAppInstall)
	b.PutString("app1")
	// Remaining install fields missing: the handler must signal a
	// protocol violation, not answer.
	conn := &ipc.ConnContext{Peer: ipc.Credentials{UID: 0, PID: 1}}
	resp, err := svc.HandleMessage(context.Background(), conn, reparse(t, b))
	if err == nil {
		t.Fatal("truncated request produced no error")
	}
	if resp != nil {
		t.Fatal("truncated request produced a response")
	}
}

// sendRequest writes one framed request on the socket.
func sendRequest(t *testing.T, conn net.Conn, b *wire.Buffer) {
	t.Helper()
	frame, err := b.Frame()
	if err != nil {
		t.Fatalf("framing request: %v", err)
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing request: %v", err)
	}
}

func readResponse(t *testing.T, conn net.Conn) *wire.Reader {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		t.Fatalf("reading response header: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("reading response payload: %v", err)
	}
	return wire.NewReader(payload)
}

func TestInstallQueryUninstallOverSockets(t *testing.T) {
	store := newStore(t)
	dir := testutil.SocketDir(t)
	logger := testLogger()

	installSvc := New(store, dir, logger)
	installSvc.peer = ipc.PeerAny // tests do not run as root
	infoSvc := info.New(store, dir, logger)

	reactor := ipc.New(ipc.Options{Logger: logger})
	reactor.Register(installSvc)
	reactor.Register(infoSvc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := reactor.Run(ctx); err != nil {
			t.Errorf("reactor run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "reactor shutdown")
	})

	installPath := filepath.Join(dir, SocketName)
	infoPath := filepath.Join(dir, info.SocketName)
	waitForSocket(t, installPath)
	waitForSocket(t, infoPath)

	installConn, err := net.Dial("unix", installPath)
	if err != nil {
		t.Fatalf("dialing installer: %v", err)
	}
	defer installConn.Close()
	infoConn, err := net.Dial("unix", infoPath)
	if err != nil {
		t.Fatalf("dialing info: %v", err)
	}
	defer infoConn.Close()

	sendRequest(t, installConn, installRequest(proto.AppInstallRequest{
		AppID:      "app1",
		PackageID:  "pkg1",
		UID:        0,
		Privileges: []string{"net", "camera", "net"},
	}))
	expectStatus(t, readResponse(t, installConn), proto.StatusOK)

	query := proto.NewRequest(proto.OpGetAppPackage)
	(&proto.GetAppPackageRequest{AppID: "app1"}).Encode(query)
	sendRequest(t, infoConn, query)
	resp := readResponse(t, infoConn)
	expectStatus(t, resp, proto.StatusOK)
	var pkg proto.AppPackageResponse
	if err := pkg.Decode(resp); err != nil {
		t.Fatalf("decoding package response: %v", err)
	}
	if pkg.PackageID != "pkg1" {
		t.Fatalf("package = %q; want pkg1", pkg.PackageID)
	}

	query = proto.NewRequest(proto.OpGetAppPrivileges)
	(&proto.AppPrivilegesRequest{AppID: "app1", UID: 0}).Encode(query)
	sendRequest(t, infoConn, query)
	resp = readResponse(t, infoConn)
	expectStatus(t, resp, proto.StatusOK)
	var privileges proto.NameListResponse
	if err := privileges.Decode(resp); err != nil {
		t.Fatalf("decoding privileges response: %v", err)
	}
	if !reflect.DeepEqual(privileges.Names, []string{"camera", "net"}) {
		t.Fatalf("privileges = %v; want [camera net]", privileges.Names)
	}

	sendRequest(t, installConn, uninstallRequest(proto.AppUninstallRequest{AppID: "app1", UID: 0}))
	resp = readResponse(t, installConn)
	expectStatus(t, resp, proto.StatusOK)
	var removed proto.AppUninstallResponse
	if err := removed.Decode(resp); err != nil {
		t.Fatalf("decoding uninstall response: %v", err)
	}
	if removed.PackageStillExists {
		t.Fatal("PackageStillExists = true after removing the only app in pkg1")
	}

	query = proto.NewRequest(proto.OpGetAppPackage)
	(&proto.GetAppPackageRequest{AppID: "app1"}).Encode(query)
	sendRequest(t, infoConn, query)
	expectStatus(t, readResponse(t, infoConn), proto.StatusNotFound)
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}
