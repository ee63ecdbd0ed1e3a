// Package detection finds the subjects in a hotel scan.
//
// A volume is first collapsed to a 2-D projection by a modality Strategy,
// the projection is thresholded into a binary mask, and the mask's connected
// components become Regions. A Detector wraps those steps in a retry loop
// that reconciles the number of regions with the expected subject count.
//
// # Strategies
//
//   - PETStrategy sums planes and frames, smooths lightly and thresholds at a
//     fraction of the mean activity.
//   - CTStrategy uses the middle plane or a per-plane vote, can open the
//     projection to strip the bed, and picks its level automatically (Li for
//     DICOM sources, Otsu for container sources).
//
// All tunables live in a Config passed to each call; nothing is shared
// between invocations.
package detection
