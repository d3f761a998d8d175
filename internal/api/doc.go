// Package api exposes the REST surface for submitting goals, inspecting
// background jobs and sessions, and requesting cancellation or interruption.
package api
