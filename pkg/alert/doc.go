// Package alert delivers operator-visible security alerts.
//
// Audit write failures and chain integrity violations are never swallowed:
// the gateway and the verification job raise them here, and the configured
// Alerter fans them out to the service log and, optionally, a Redis channel
// that paging integrations subscribe to.
//
// Alerts identify events by audit sequence number, actor and resource type.
// They never carry field values or patient identifiers.
package alert
