// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a WhatsApp group monitor on top of whatsmeow.
//
// The monitor holds one WhatsApp session, captures text and image messages
// posted to an operator-selected set of groups, and relays them to an
// external processing backend that rewrites affiliate links and schedules
// redistribution. It also exposes send, create and list operations over
// HTTP.
//
// # Core Types
//
// [WhatsAppClient] owns the session and its reconnect state machine. Close
// events are classified as transient (capped exponential backoff), corrupted
// credentials (wipe and re-pair) or logged out (terminal).
//
// [Normalizer] turns inbound message events into [NormalizedMessage] values:
// it filters by [Registry] membership, unwraps ephemeral and view-once
// envelopes, extracts text and images, and admits the result to the bounded
// [MessageLog].
//
// [Sender] delivers outbound messages with bounded retries, and fans out to
// several groups sequentially.
//
// [Forwarder] relays captured messages to the backend, either on demand or
// through a bounded auto-forward queue.
//
// [WhatsAppConnector] wires everything together and serves the HTTP API.
//
// # Sub-packages
//
//   - wamsg holds pure helpers over WhatsApp message protobufs.
package connector
