package tasks

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

// fakeExecuter records invocations and returns scripted exit codes.
type fakeExecuter struct {
	mu       sync.Mutex
	commands [][]string
	// exitCodes is consumed in order; empty means always 0
	exitCodes []int
}

func (f *fakeExecuter) CommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, command, args...)
}

func (f *fakeExecuter) Execute(command string, args ...string) (string, string, int) {
	return f.ExecuteWithContext(context.Background(), command, args...)
}

func (f *fakeExecuter) ExecuteWithContext(_ context.Context, command string, args ...string) (string, string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, append([]string{command}, args...))
	if len(f.exitCodes) == 0 {
		return "", "", 0
	}
	code := f.exitCodes[0]
	f.exitCodes = f.exitCodes[1:]
	return "", "fake failure", code
}

var testPrincipal = identity.Principal{
	ObjectID: "7f5ccd07-e75f-4b7b-a234-b11c52dc5f0e",
	UPN:      "alice@contoso.com",
	TenantID: "tenant",
}

func testRecord() *identity.DirectoryRecord {
	return &identity.DirectoryRecord{
		Name:    "alice",
		UID:     uint32(os.Getuid()),
		GID:     uint32(os.Getgid()),
		HomeDir: "/home/alice",
		Shell:   "/bin/bash",
	}
}

func TestProvisionCreatesHome(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc/skel"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/skel/.bashrc"), []byte("# skel"), 0644))

	fake := &fakeExecuter{}
	p := NewProvisioner(fake, log.NewPrefixLogger("test"), WithRootDir(root), WithSkelDir("/etc/skel"))

	record := testRecord()
	require.NoError(t, p.Provision(context.Background(), testPrincipal, record, nil))

	info, err := os.Stat(filepath.Join(root, "home/alice"))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	contents, err := os.ReadFile(filepath.Join(root, "home/alice/.bashrc"))
	require.NoError(t, err)
	require.Equal(t, "# skel", string(contents))
}

func TestProvisionIsIdempotent(t *testing.T) {
	root := t.TempDir()
	fake := &fakeExecuter{}
	p := NewProvisioner(fake, log.NewPrefixLogger("test"), WithRootDir(root))

	record := testRecord()
	require.NoError(t, p.Provision(context.Background(), testPrincipal, record, nil))

	// drop a marker into the provisioned home; a second run must not
	// disturb it
	marker := filepath.Join(root, "home/alice/marker")
	require.NoError(t, os.WriteFile(marker, []byte("keep"), 0600))

	require.NoError(t, p.Provision(context.Background(), testPrincipal, record, nil))
	contents, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "keep", string(contents))
}

func TestProvisionMapsGroups(t *testing.T) {
	root := t.TempDir()
	fake := &fakeExecuter{}
	p := NewProvisioner(fake, log.NewPrefixLogger("test"), WithRootDir(root))

	groups := []identity.GroupRecord{
		{Name: "linux-admins", GID: 1500123, Members: []string{"alice"}},
	}
	require.NoError(t, p.Provision(context.Background(), testPrincipal, testRecord(), groups))

	require.Len(t, fake.commands, 2)
	require.Equal(t, []string{"groupadd", "-g", "1500123", "linux-admins"}, fake.commands[0])
	require.Equal(t, []string{"gpasswd", "-a", "alice", "linux-admins"}, fake.commands[1])
}

func TestProvisionToleratesExistingGroup(t *testing.T) {
	root := t.TempDir()
	fake := &fakeExecuter{exitCodes: []int{groupExistsExitCode, 0}}
	p := NewProvisioner(fake, log.NewPrefixLogger("test"), WithRootDir(root))

	groups := []identity.GroupRecord{{Name: "linux-admins", GID: 1500123}}
	require.NoError(t, p.Provision(context.Background(), testPrincipal, testRecord(), groups))
}

func TestProvisionGroupFailure(t *testing.T) {
	root := t.TempDir()
	fake := &fakeExecuter{exitCodes: []int{1}}
	p := NewProvisioner(fake, log.NewPrefixLogger("test"), WithRootDir(root))

	groups := []identity.GroupRecord{{Name: "linux-admins", GID: 1500123}}
	err := p.Provision(context.Background(), testPrincipal, testRecord(), groups)
	require.Error(t, err)
}

func testPolicies() []identity.Policy {
	return []identity.Policy{{
		ID:   "pol-1",
		Name: "Linux Baseline",
		Settings: []identity.PolicySetting{
			{Key: "linux_chromium_homepagelocation", Value: "https://intranet.contoso.com", Enabled: true},
			{Key: "linux_usersettings_screensaverlock", Value: true, Enabled: true},
		},
	}}
}

func TestApplyPoliciesWritesBundle(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(&fakeExecuter{}, log.NewPrefixLogger("test"),
		WithRootDir(root), WithPolicyDir("/var/lib/himmelblaud/policies"))

	require.NoError(t, p.ApplyPolicies(context.Background(), testPrincipal, testRecord(), testPolicies()))

	contents, err := os.ReadFile(filepath.Join(root, "var/lib/himmelblaud/policies/alice.json"))
	require.NoError(t, err)
	var got []identity.Policy
	require.NoError(t, json.Unmarshal(contents, &got))
	require.Len(t, got, 1)
	require.Equal(t, "pol-1", got[0].ID)
	require.Len(t, got[0].Settings, 2)
	require.Equal(t, "https://intranet.contoso.com", got[0].Settings[0].Value)
}

func TestApplyPoliciesEmptyBundleRemovesFile(t *testing.T) {
	root := t.TempDir()
	p := NewProvisioner(&fakeExecuter{}, log.NewPrefixLogger("test"),
		WithRootDir(root), WithPolicyDir("/var/lib/himmelblaud/policies"))

	require.NoError(t, p.ApplyPolicies(context.Background(), testPrincipal, testRecord(), testPolicies()))
	require.NoError(t, p.ApplyPolicies(context.Background(), testPrincipal, testRecord(), nil))

	_, err := os.Stat(filepath.Join(root, "var/lib/himmelblaud/policies/alice.json"))
	require.True(t, os.IsNotExist(err))
}

func TestApplyPoliciesRequiresRecord(t *testing.T) {
	p := NewProvisioner(&fakeExecuter{}, log.NewPrefixLogger("test"), WithRootDir(t.TempDir()))
	err := p.ApplyPolicies(context.Background(), testPrincipal, nil, testPolicies())
	require.ErrorIs(t, err, brokererrors.ErrFilesystem)
}
