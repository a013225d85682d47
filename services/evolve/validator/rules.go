// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validator

// DefaultRules returns the built-in safety rule list in evaluation order.
//
// Hard rules cover capability escalation a self-modifying unit must never
// introduce: dynamic code execution, process spawning, filesystem writes,
// raw network access, and credential or permission tampering. Soft rules
// cover quality regressions that lower the score without rejecting the
// candidate outright.
//
// Callers may pass their own list via WithRules; the validator treats the
// list as closed and ordered.
func DefaultRules() []SafetyRule {
	return []SafetyRule{
		{
			ID:       RuleDynamicCode,
			Class:    RuleClassHard,
			Language: "python",
			NodeType: "call",
			FuncNames: []string{
				"eval", "exec", "compile", "__import__",
				"importlib.import_module",
			},
			Message: "dynamic code execution",
		},
		{
			ID:       RuleDynamicCode,
			Class:    RuleClassHard,
			Language: "go",
			NodeType: "call_expression",
			FuncNames: []string{
				"plugin.Open",
			},
			Message: "dynamic code loading",
		},
		{
			ID:       RuleProcessSpawn,
			Class:    RuleClassHard,
			Language: "python",
			NodeType: "call",
			FuncNames: []string{
				"os.system", "os.popen", "os.spawnl", "os.spawnv",
				"os.execv", "os.execve", "os.fork",
				"subprocess.run", "subprocess.call", "subprocess.Popen",
				"subprocess.check_output", "subprocess.check_call",
				"pty.spawn",
			},
			Message: "process execution",
		},
		{
			ID:       RuleProcessSpawn,
			Class:    RuleClassHard,
			Language: "go",
			NodeType: "call_expression",
			FuncNames: []string{
				"exec.Command", "exec.CommandContext",
				"os.StartProcess", "syscall.Exec", "syscall.ForkExec",
			},
			Message: "process execution",
		},
		{
			ID:       RuleFilesystemWrite,
			Class:    RuleClassHard,
			Language: "python",
			NodeType: "call",
			FuncNames: []string{
				"os.remove", "os.unlink", "os.rename", "os.rmdir",
				"os.makedirs", "shutil.rmtree", "shutil.move",
				"shutil.copy", "shutil.copytree",
				"write_text", "write_bytes",
			},
			Message: "direct filesystem mutation",
		},
		{
			ID:       RuleFilesystemWrite,
			Class:    RuleClassHard,
			Language: "go",
			NodeType: "call_expression",
			FuncNames: []string{
				"os.WriteFile", "os.Create", "os.OpenFile",
				"os.Remove", "os.RemoveAll", "os.Rename",
				"os.Mkdir", "os.MkdirAll", "ioutil.WriteFile",
			},
			Message: "direct filesystem mutation",
		},
		{
			ID:       RuleNetworkSocket,
			Class:    RuleClassHard,
			Language: "python",
			NodeType: "call",
			FuncNames: []string{
				"socket.socket", "socket.create_connection",
				"urllib.request.urlopen", "requests.get", "requests.post",
				"requests.put", "requests.delete", "http.client.HTTPConnection",
			},
			Message: "network access",
		},
		{
			ID:       RuleNetworkSocket,
			Class:    RuleClassHard,
			Language: "go",
			NodeType: "call_expression",
			FuncNames: []string{
				"net.Dial", "net.DialTCP", "net.DialUDP", "net.Listen",
				"http.Get", "http.Post", "http.ListenAndServe",
			},
			Message: "network access",
		},
		{
			ID:       RuleCredentialTamper,
			Class:    RuleClassHard,
			Language: "python",
			NodeType: "call",
			FuncNames: []string{
				"os.chmod", "os.chown", "os.setuid", "os.setgid",
				"os.putenv", "keyring.set_password", "keyring.get_password",
			},
			Message: "credential or permission tampering",
		},
		{
			ID:       RuleCredentialTamper,
			Class:    RuleClassHard,
			Language: "go",
			NodeType: "call_expression",
			FuncNames: []string{
				"os.Chmod", "os.Chown", "os.Setenv",
				"syscall.Setuid", "syscall.Setgid",
			},
			Message: "credential or permission tampering",
		},
		{
			ID:       RuleExceptionSuppressed,
			Class:    RuleClassSoft,
			Language: "python",
			NodeType: "except_clause",
			Message:  "bare or over-broad exception handler",
		},
		{
			ID:       RuleExceptionSuppressed,
			Class:    RuleClassSoft,
			Language: "go",
			NodeType: "call_expression",
			FuncNames: []string{
				"recover",
			},
			Message: "panic suppression via recover",
		},
		{
			ID:      RuleValidationRemoved,
			Class:   RuleClassSoft,
			Message: "candidate removes validation present in the original",
		},
		{
			ID:      RuleComplexityIncrease,
			Class:   RuleClassSoft,
			Message: "candidate is more complex than the original",
		},
	}
}

// validationCallMarkers are substrings of function names that count as
// validation calls for the validation-removal rule.
var validationCallMarkers = []string{
	"validate", "verify", "check", "sanitize", "assert",
}
