package monitor

// CSS selectors for the channel site.
const (
	SelEmail       = "#email"
	SelPassword    = "#password"
	SelLoginSubmit = ".btn-primary.btn-no-effects"

	SelVerifyModal  = ".modal-body.relative.flex.flex-col.bg-neutral.shadow-xl"
	SelModalInput   = "input"
	SelModalConfirm = ".btn.btn-primary"
	SelWelcomeModal = ".modal-body"
	// the second match is the welcome modal's close button
	SelWelcomeClose = ".modal-body .btn.btn-circle"

	SelLiveSurface = ".group.relative.cursor-pointer.border.border-neutral.border-b.bg-base-200.p-3.mb-3"
	SelSurfaceName = ".flex.items-center.gap-1"
	SelVideo       = "video"

	SelChatEntries = "#chat-scroller .chat-message"
	SelMsgBody     = ".custom-break-words.break-words.text-sm"
	SelMsgAuthor   = ".inline-flex.items-center.cursor-pointer.font-medium.text-xs"
	SelMsgTime     = ".ml-3.cursor-default.text-3xs.opacity-50"
	SelReplyBody   = ".text-left.font-medium.text-primary.text-xs"
	SelReplyAuthor = ".relative.flex.items-center.text-left"
)

const (
	scriptHideCursor = `document.body.style.cursor = 'none'`
	scriptPlay       = `(() => { const v = document.getElementsByTagName("video")[0]; if (v) { v.play(); } })()`
	scriptAuthToken  = `window.localStorage.getItem("rauth")`
)
