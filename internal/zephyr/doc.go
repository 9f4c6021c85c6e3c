// Package zephyr is the broadcast-side transport: sending notices through
// the zwrite-style CLI mailer and receiving them through a subscription
// helper subprocess.
//
// Sends and receives deliberately take different paths, mirroring how the
// deployment's own traffic flows. CommandSender shells out to the mailer
// once per message with the body on stdin; a lost server acknowledgement
// is surfaced as ErrServerFailure so the caller can retry with a fresh
// body (the original message may still have gone out). Receiving needs a
// long-lived port and subscription state, which live in the native
// C-bound notice library; that library runs inside the site-provided
// helper, and HelperSession drives it over pipes.
//
// # Helper protocol
//
// One JSON object per line in each direction, strictly request/response:
//
//	→ {"id":1,"op":"open_port"}
//	← {"id":1,"ok":true}
//	→ {"id":2,"op":"subscribe","triples":[{"class":"c","instance":"*","recipient":"*"}]}
//	← {"id":2,"ok":true}
//	→ {"id":3,"op":"pending"}
//	← {"id":3,"ok":true,"pending":2}
//	→ {"id":4,"op":"receive"}
//	← {"id":4,"ok":true,"notice":{"id":7,"class":"c","instance":"i","sender":"s","opcode":"","body":"..."}}
//	→ {"id":5,"op":"free","notice":7}
//	← {"id":5,"ok":true}
//
// Remaining ops: "subscriptions" (returns "triples"),
// "cancel_subscriptions", "close". Failures are
// {"id":N,"ok":false,"code":"SERVNAK","retryable":true,"error":"..."};
// code is the native library's error name and retryable marks conditions
// worth another attempt. The helper owns every notice buffer until the
// matching "free", and exits on stdin EOF.
//
// Subscriber layers a verified-subscription state machine on top of any
// Session: subscribe, read the active set back, and only report success
// once every requested triple is visible.
package zephyr
