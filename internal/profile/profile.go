// Package profile lays out the per-account state directory:
//
//	~/.chatsync/
//	  config.toml
//	  profiles/<name>/
//	    chatsync.db
//	    daemon.sock
//	    LOCK
//	    logs/chatsyncd.log
package profile

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory when set.
const HomeEnv = "CHATSYNC_HOME"

// BaseDir returns $CHATSYNC_HOME, or ~/.chatsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Layout resolves the files of one profile.
type Layout struct {
	Name string
	Dir  string
}

// For returns the layout of the named profile under BaseDir.
func For(name string) Layout {
	return At(BaseDir(), name)
}

// At returns the layout of the named profile under root.
func At(root, name string) Layout {
	return Layout{Name: name, Dir: filepath.Join(root, "profiles", name)}
}

func (l Layout) DBPath() string     { return filepath.Join(l.Dir, "chatsync.db") }
func (l Layout) SocketPath() string { return filepath.Join(l.Dir, "daemon.sock") }
func (l Layout) LockPath() string   { return filepath.Join(l.Dir, "LOCK") }
func (l Layout) LogDir() string     { return filepath.Join(l.Dir, "logs") }
func (l Layout) LogPath() string    { return filepath.Join(l.LogDir(), "chatsyncd.log") }

// Ensure creates the profile directory tree with owner-only permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.Dir, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
