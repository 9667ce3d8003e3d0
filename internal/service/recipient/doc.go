// Package recipient turns a campaign's recipient specification into the
// concrete contact list a dispatch run sends to.
//
// The resolver only reads from the contact store. Its output is a frozen
// slice: once a dispatch starts, later contact edits never change it.
package recipient
