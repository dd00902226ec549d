package rest

import (
	"github.com/gorilla/mux"
	"github.com/inbucket/listgate/pkg/server/web"
)

// SetupRoutes populates the control plane and API routes.
func SetupRoutes(r *mux.Router) {
	// Control plane, every request is queued.
	r.Path("/refresh-wiki").Handler(
		web.Handler(RefreshWiki)).Name("RefreshWiki").Methods("GET", "POST")
	r.Path("/refresh-email").Handler(
		web.Handler(RefreshEmail)).Name("RefreshEmail").Methods("GET", "POST")
	r.Path("/force-resend-email").Handler(
		web.Handler(ForceResendEmail)).Name("ForceResendEmail").Methods("POST")
	r.Path("/purge-email").Handler(
		web.Handler(PurgeEmail)).Name("PurgeEmail").Methods("POST")
	r.Path("/flush").Handler(
		web.Handler(Flush)).Name("Flush").Methods("GET", "POST")
	r.Path("/gitlab-member-hook").Handler(
		web.Handler(MemberHook)).Name("MemberHook").Methods("POST")
	r.Path("/test").Handler(
		web.Handler(TestTask)).Name("TestTask").Methods("GET")

	// Synchronous.
	r.Path("/get-admins").Handler(
		web.Handler(GetAdmins)).Name("GetAdmins").Methods("POST")
	r.Path("/send-message").Handler(
		web.Handler(SendMessage)).Name("SendMessage").Methods("POST")

	// API v1
	r.Path("/api/v1/invites").Handler(
		web.Handler(InvitesListV1)).Name("InvitesListV1").Methods("GET")
	r.Path("/api/v1/invites/{uid}").Handler(
		web.Handler(InviteShowV1)).Name("InviteShowV1").Methods("GET")
	r.Path("/api/v1/monitor/activity").Handler(
		web.Handler(MonitorActivityV1)).Name("MonitorActivityV1").Methods("GET")
	r.Path("/api/v1/activity").Handler(
		web.Handler(RecentActivityV1)).Name("RecentActivityV1").Methods("GET")
}
