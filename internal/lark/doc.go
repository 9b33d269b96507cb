// ABOUTME: Package doc for the chat platform integration
// ABOUTME: Describes the inbound and outbound halves of the lark package

// Package lark integrates with the chat platform's open API.
//
// The inbound half (Parser) decodes webhook callbacks: URL verification
// handshakes, optional AES-CBC payload decryption and message-receive
// events. The outbound half (Client) sends and edits messages and
// resolves user and chat display names, authenticating with a cached
// tenant access token.
package lark
