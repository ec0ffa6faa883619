package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/listener"
)

// OriginateRequest is the template rendered into a concrete originate
// command per fire. Zero values fall back to sane engine defaults.
type OriginateRequest struct {
	DestURL string // <user>@<host>:<port>
	Profile string // sofia profile, default "external"
	Proxy   string // first-hop override via ;fs_path=

	// post-connect application for the a-leg; default parks the
	// channel and leaves control to the dialplan/apps
	AppName string
	AppArgs string

	Timeout  int // originate_timeout seconds, default 60
	CallerID string
	Codec    string
	AbsCodec string

	XHeaders map[string]string // extra sip_h_X- headers
	Params   map[string]string // extra channel variables
}

const xheaderPrefix = "sip_h_X-"

// Render produces the full originate command string with the
// origination uuid, correlation tag and client/app attribution planted
// in the variable block:
//
//	originate {vars}sofia/<profile>/<dest> &<app>()
func (r *OriginateRequest) Render(sessUUID, appID, clientID string) string {
	profile := r.Profile
	if profile == "" {
		profile = "external"
	}
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 60
	}
	callerID := r.CallerID
	if callerID == "" {
		callerID = "switchd"
	}
	codec := r.Codec
	if codec == "" {
		codec = "PCMU"
	}

	params := map[string]string{
		"origination_uuid":              sessUUID,
		"originate_timeout":             fmt.Sprintf("%d", timeout),
		"originate_caller_id_name":      callerID,
		"originator_codec":              codec,
		listener.CorrXHeader:            sessUUID,
		listener.ClientXHeader:          clientID,
		listener.ClientVar:              clientID,
		listener.AppVar:                 appID,
		xheaderPrefix + listener.AppVar: appID,
	}
	if r.AbsCodec != "" {
		params["absolute_codec_string"] = r.AbsCodec
	}
	for name, val := range r.XHeaders {
		if !strings.HasPrefix(name, xheaderPrefix) {
			name = xheaderPrefix + name
		}
		params[name] = val
	}
	for name, val := range r.Params {
		params[name] = val
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+params[name])
	}

	dest := "sofia/" + profile + "/" + r.DestURL
	if r.Proxy != "" {
		dest += ";fs_path=sip:" + r.Proxy
	}

	app := r.AppName
	if app == "" {
		app = "park"
	}
	return fmt.Sprintf("originate {%s}%s &%s(%s)",
		strings.Join(pairs, ","), dest, app, r.AppArgs)
}
