//go:build windows

package doctor

func trivialCommand() string { return "cmd.exe" }
func trivialArgv() []string  { return []string{"cmd.exe", "/C", "echo", "reachengine-doctor"} }
