package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"

	"github.com/ItsAzM8/himmelblau/internal/brokererrors"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/pkg/executer"
	"github.com/ItsAzM8/himmelblau/pkg/log"
)

const (
	defaultSkelDir   = "/etc/skel"
	defaultPolicyDir = "/var/lib/himmelblaud/policies"
	groupaddCommand  = "groupadd"
	gpasswdCommand   = "gpasswd"

	// groupadd exits 9 when the group already exists
	groupExistsExitCode = 9
)

// Provisioner performs the host-side side effects of a successful login:
// home directory creation and local group mapping. It runs inside the
// privileged tasks process, never inside the broker, and every operation
// is idempotent so re-provisioning an already-provisioned principal is a
// no-op.
type Provisioner struct {
	exec      executer.Executer
	skelDir   string
	policyDir string
	// rootDir prefixes all filesystem paths; used by tests.
	rootDir string
	log     *log.PrefixLogger
}

type ProvisionerOption func(*Provisioner)

func WithSkelDir(dir string) ProvisionerOption {
	return func(p *Provisioner) { p.skelDir = dir }
}

func WithPolicyDir(dir string) ProvisionerOption {
	return func(p *Provisioner) { p.policyDir = dir }
}

func WithRootDir(dir string) ProvisionerOption {
	return func(p *Provisioner) { p.rootDir = dir }
}

func NewProvisioner(exec executer.Executer, logger *log.PrefixLogger, options ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		exec:      exec,
		skelDir:   defaultSkelDir,
		policyDir: defaultPolicyDir,
		log:       logger,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *Provisioner) path(elem string) string {
	if p.rootDir == "" {
		return elem
	}
	return filepath.Join(p.rootDir, elem)
}

// Provision creates the principal's home directory and maps its directory
// groups onto local groups.
func (p *Provisioner) Provision(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, groups []identity.GroupRecord) error {
	if record == nil {
		return fmt.Errorf("%w: no directory record", brokererrors.ErrFilesystem)
	}

	if err := p.provisionHome(record); err != nil {
		return err
	}
	for _, group := range groups {
		if err := p.ensureGroup(ctx, record.Name, group); err != nil {
			return err
		}
	}

	p.log.Infof("Provisioned %s (uid=%d home=%s groups=%d)", principal, record.UID, record.HomeDir, len(groups))
	return nil
}

func (p *Provisioner) provisionHome(record *identity.DirectoryRecord) error {
	home := p.path(record.HomeDir)

	info, err := os.Stat(home)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%w: %s exists and is not a directory", brokererrors.ErrFilesystem, home)
		}
		// already provisioned
		return nil
	}
	if !os.IsNotExist(err) {
		return mapFSError(err)
	}

	if err := os.MkdirAll(home, 0700); err != nil {
		return mapFSError(err)
	}
	if err := p.copySkeleton(home, record); err != nil {
		return err
	}
	if err := os.Chown(home, int(record.UID), int(record.GID)); err != nil {
		return mapFSError(err)
	}
	return nil
}

func (p *Provisioner) copySkeleton(home string, record *identity.DirectoryRecord) error {
	skel := p.path(p.skelDir)
	entries, err := os.ReadDir(skel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mapFSError(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(skel, entry.Name()))
		if err != nil {
			return mapFSError(err)
		}
		dest := filepath.Join(home, entry.Name())
		if err := os.WriteFile(dest, contents, 0644); err != nil {
			return mapFSError(err)
		}
		if err := os.Chown(dest, int(record.UID), int(record.GID)); err != nil {
			return mapFSError(err)
		}
	}
	return nil
}

// ensureGroup creates the local group for a directory group and adds the
// principal to it. Both steps tolerate already-done states.
func (p *Provisioner) ensureGroup(ctx context.Context, localName string, group identity.GroupRecord) error {
	_, stderr, exitCode := p.exec.ExecuteWithContext(ctx, groupaddCommand,
		"-g", strconv.FormatUint(uint64(group.GID), 10), group.Name)
	if exitCode != 0 && exitCode != groupExistsExitCode {
		return fmt.Errorf("%w: creating group %s: %s", mapExitCode(exitCode), group.Name, stderr)
	}

	_, stderr, exitCode = p.exec.ExecuteWithContext(ctx, gpasswdCommand, "-a", localName, group.Name)
	if exitCode != 0 {
		return fmt.Errorf("%w: adding %s to group %s: %s", mapExitCode(exitCode), localName, group.Name, stderr)
	}
	return nil
}

// ApplyPolicies writes the principal's resolved management-policy bundle
// where session hooks and managed applications read it. The bundle is
// replaced atomically so a reader never sees a half-written file; an empty
// bundle removes it, mirroring unassignment.
func (p *Provisioner) ApplyPolicies(ctx context.Context, principal identity.Principal, record *identity.DirectoryRecord, policies []identity.Policy) error {
	if record == nil {
		return fmt.Errorf("%w: no directory record", brokererrors.ErrFilesystem)
	}

	dir := p.path(p.policyDir)
	target := filepath.Join(dir, record.Name+".json")

	if len(policies) == 0 {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return mapFSError(err)
		}
		p.log.Infof("Cleared policy bundle for %s", principal)
		return nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return mapFSError(err)
	}
	contents, err := json.MarshalIndent(policies, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding policy bundle: %v", brokererrors.ErrFilesystem, err)
	}
	if err := renameio.WriteFile(target, contents, 0600); err != nil {
		return mapFSError(err)
	}

	p.log.Infof("Applied %d policies for %s", len(policies), principal)
	return nil
}

func mapFSError(err error) error {
	if os.IsPermission(err) {
		return fmt.Errorf("%w: %v", brokererrors.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", brokererrors.ErrFilesystem, err)
}

func mapExitCode(exitCode int) error {
	// shadow-utils tools exit 10 on /etc/group write failure and otherwise
	// signal permission problems
	if exitCode == 10 {
		return brokererrors.ErrFilesystem
	}
	return brokererrors.ErrPermissionDenied
}
