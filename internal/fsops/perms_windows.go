//go:build windows

package fsops

// Windows has no POSIX owner/group; ACLs are left as inherited.
func chown(string, int, int) error {
	return nil
}
