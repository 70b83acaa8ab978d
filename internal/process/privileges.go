package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// DropPrivileges switches to the configured user and group after the
// sockets are bound. The group must change before the user; once the uid
// is gone there is no way back. Empty names or names matching the current
// identity are skipped.
func DropPrivileges(userName, groupName string, logger *slog.Logger) error {
	if err := setGroup(groupName, logger); err != nil {
		return err
	}
	return setUser(userName, logger)
}

func setGroup(name string, logger *slog.Logger) error {
	if name == "" {
		return nil
	}

	grp, err := user.LookupGroup(name)
	if err != nil {
		return fmt.Errorf("group %q does not exist: %w", name, err)
	}

	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid for group %q: %w", name, err)
	}

	if gid == os.Getgid() {
		logger.Debug("group in config is the same as current group, skipping")
		return nil
	}

	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("no permission to switch to group %q: %w", name, err)
	}

	logger.Debug("dropped group privileges", slog.String("group", name))
	return nil
}

func setUser(name string, logger *slog.Logger) error {
	if name == "" {
		return nil
	}

	usr, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("user %q does not exist: %w", name, err)
	}

	uid, err := strconv.Atoi(usr.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid for user %q: %w", name, err)
	}

	if uid == os.Getuid() {
		logger.Debug("user in config is the same as current user, skipping")
		return nil
	}

	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("no permission to switch to user %q: %w", name, err)
	}

	logger.Debug("dropped user privileges", slog.String("user", name))
	return nil
}
