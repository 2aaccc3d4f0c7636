//go:build !windows

package doctor

func trivialCommand() string { return "/bin/echo" }
func trivialArgv() []string  { return []string{"echo", "reachengine-doctor"} }
