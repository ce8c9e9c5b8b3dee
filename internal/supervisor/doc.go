// Package supervisor runs external commands as supervised process groups.
//
// Every spawned command is made the leader of a new process group so that
// termination can target the entire tree, including any children the command
// forks itself. A Handle exposes the combined, stream-tagged output lines,
// the exit outcome, and an escalating Terminate that signals the whole group.
package supervisor
