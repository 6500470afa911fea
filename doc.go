// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

/*
Package zerra implements a socket transport for CQRS style services.

A Server exposes either query providers, whose methods are called and return a result, or command and event handlers, which receive messages. A Client calls queries, dispatches commands and publishes events on a Server over pooled TCP connections, one request at a time per connection.

Every request is a header followed by a body holding a serialized Envelope. Two framings are supported. The raw framing uses a short text header ending in '~' and a body of length prefixed frames ending in a zero length frame. The HTTP framing uses HTTP/1.1 request and response heads with a chunked or Content-Length body, so that browsers and HTTP tooling can talk to a Server directly.

Bodies pass through an optional zstd compressor and an optional Encryptor. A handler failure travels back as an ExceptionEnvelope and is reconstructed on the client as the original error type when that type is registered in a Registry, or as a *RemoteError otherwise.

A call can be cancelled while the server is running it. The client sends AbortByte on the request connection, the server cancels the handler's context, skips the response and closes the connection.

The Gateway forwards HTTP and websocket requests to an upstream Server using the JSON content type. */
package zerra
