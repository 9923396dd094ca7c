/*
Package health provides dependency health checkers used by the control
plane to watch the external services it depends on: OAuth provider token
endpoints, Apple's attestation validation endpoint, and the infrastructure
backend behind the repository layer.

A Checker performs a single check and returns a Result. HTTPChecker and
TCPChecker cover the two shapes those dependencies take: HTTPS token/API
endpoints, and bare TCP endpoints such as a VPC-local database. Status
applies hysteresis on top of repeated Results so a dependency isn't
flapped unhealthy on a single transient failure, mirroring how the mTLS
gateway and CA already tolerate individual request errors without
rejecting a device outright.

Watch runs a Checker on an interval and reports Status transitions to a
callback, which cmd/apuntadord wires to pkg/metrics.UpdateComponent so
provider and backend reachability show up in the /ready response.
*/
package health
