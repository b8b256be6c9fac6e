// Package repo enumerates the lockable backup repositories found below a root
// directory. The set is read once at startup and never refreshed: repositories
// added or removed on disk afterwards are only picked up by a restart.
package repo
