// Package pkg provides the libraries of segrep, a segmentation
// representation pipeline.
//
// # Overview
//
// A segmentation is one logical labeling of an image volume that can be held
// in up to three encodings: a voxel labelmap, planar contours and closed
// surface meshes. segrep keeps these representations consistent, caches the
// slice geometry derived from them and schedules batched redraws across many
// viewports. The pkg directory is organized into four areas:
//
//  1. Domain state: [segmentation] (store and viewport associations), [style]
//     (layered display styles), [events] (notification bus)
//  2. Geometry: [geometry] (frames, plane clipping, boundary meshes), [raster]
//     (polygon fill)
//  3. Computation: [worker] (background pool), [convert] (representation
//     conversions), [geomcache] and [cache] (two-tier geometry cache),
//     [notify] (debounced re-conversion)
//  4. Display and wiring: [render] (frame scheduler), [render/svg] (headless
//     viewports), [engine], [config], [observability], [errors], [buildinfo]
//
// # Architecture
//
// The typical data flow through segrep:
//
//	source representation (e.g. Labelmap)
//	         ↓
//	    [convert] (dispatches work to [worker], caches clips in [geomcache])
//	         ↓
//	    [segmentation] store + segmentation-modified on [events]
//	         ↓
//	    [render] scheduler (one frame per batch of requests)
//	         ↓
//	    viewport actors (e.g. [render/svg])
//
// Edits to a source representation are reported with
// segmentation-data-modified; [notify] debounces them and re-runs every
// conversion derived from that source.
//
// # Quick Start
//
//	e, err := engine.New(ctx, config.Default())
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	vp := svg.NewViewport("axial", geom)
//	_ = e.RegisterViewport(vp)
//	_ = e.Store.AddRepresentationData(id, segmentation.Labelmap, labelmap)
//	contours, err := e.Convert(ctx, id, segmentation.Contour, convert.Options{Viewport: vp})
package pkg
