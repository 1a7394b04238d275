// Package incident implements Firewatch's alert-to-incident correlation
// engine. It defines the lifecycle state model, the Store interface
// (persistence), the Resolver (inactivity-based closure), the Service
// (link-or-create and batch resolve) and the Runner (periodic sweep).
package incident
