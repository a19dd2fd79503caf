package models

import "strings"

// SSHConfig holds the connection settings used to check remote sources.
type SSHConfig struct {
	Host       string `json:"host" validate:"omitempty,hostname|ip"` // overrides the host part of remote sources when set
	Port       int    `json:"port" validate:"min=1,max=65535"`
	Username   string `json:"username" validate:"required"`
	PrivateKey []byte `json:"-"` // loaded from file path
	KeyPath    string `json:"key_path" validate:"required"`
	KnownHosts string `json:"known_hosts" validate:"omitempty,file"` // host keys are not verified when empty
}

// SSHResult holds the result of a remote preflight check.
type SSHResult struct {
	CommandRun bool
	Output     string
	Missing    []string // remote paths that do not exist
	Error      error
}

// SplitRemote splits an rsync source of the form [user@]host:/path. Local
// paths, including ones containing a colon after the first slash, are not remote.
func SplitRemote(source string) (host, path string, remote bool) {
	colon := strings.Index(source, ":")
	if colon <= 0 {
		return "", source, false
	}
	if slash := strings.Index(source, "/"); slash >= 0 && slash < colon {
		return "", source, false
	}
	host = source[:colon]
	if at := strings.LastIndex(host, "@"); at >= 0 {
		host = host[at+1:]
	}
	return host, source[colon+1:], true
}
