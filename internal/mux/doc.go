// Package mux shares one upstream connection across many downstream
// subscribers. Topics are ref-counted by subscriber: the first subscriber
// triggers the upstream subscribe, the last removal tears it down, and a
// subscriber whose Deliver fails is dropped within the same dispatch pass.
package mux
