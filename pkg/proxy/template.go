package proxy

import (
	"bytes"
	"fmt"
	"text/template"
)

const haproxyTemplate = `# Generated by manticore. Do not edit.
global
	maxconn 4096

defaults
	mode http
	timeout connect 5s
	timeout client 60s
	timeout server 60s
	timeout tunnel 1h

frontend main
	bind *:{{ .MainPort }}
	mode http
{{- range $i, $r := .HTTPRoutes }}
	acl http-front-{{ $i }} hdr_end(host) -i {{ $r.From }}.{{ $.Domain }}:{{ $.MainPort }}
	use_backend http-back-{{ $i }} if http-front-{{ $i }}
{{- end }}
	default_backend app

backend app
	balance roundrobin
	option httpchk
{{- range $i, $a := .WebApps }}
	server webapp_{{ $i }} {{ $a }} check
{{- end }}
{{ range $i, $r := .HTTPRoutes }}
backend http-back-{{ $i }}
	mode http
	server http-server-{{ $i }} {{ $r.To }}
{{ end }}
{{- range $i, $r := .TCPRoutes }}
listen tcp-{{ $i }}
	bind *:{{ $r.Port }}
	mode tcp
	option tcplog
	server tcp-server-{{ $i }} {{ $r.To }}
{{ end -}}
`

var configTemplate = template.Must(template.New("haproxy").Parse(haproxyTemplate))

// Render produces an HAProxy configuration for d.
func Render(d *Data) ([]byte, error) {
	var buf bytes.Buffer
	if err := configTemplate.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("failed to render haproxy config: %w", err)
	}
	return buf.Bytes(), nil
}
