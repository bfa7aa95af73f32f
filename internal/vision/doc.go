// Package vision holds the value types shared by the blip tracking and
// two-view reconstruction layers.
//
// The layers live in sub-packages and follow the same dependency rule as
// their numbering: a layer may import lower layers, never higher ones.
//
//	l1frames   grayscale frames, sampling helpers, frame sources
//	l2features Shi-Tomasi point detection
//	l3flow     pyramidal Lucas-Kanade correspondence tracking
//	l4geometry camera model, essential matrix RANSAC, pose, triangulation
//	l5recon    reconstruction loop and its state machine
//
// Storage, streaming and plotting live outside the layers and only consume
// l5recon step results.
package vision
