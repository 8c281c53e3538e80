package frame

// SwapRB converts BGR to RGB (or back) in place.
func SwapRB(pixels []byte) {
	for i := 0; i+2 < len(pixels); i += 3 {
		pixels[i], pixels[i+2] = pixels[i+2], pixels[i]
	}
}

// FlipVertical reverses row order in place. Some sensors deliver bottom-up
// images on Windows.
func FlipVertical(pixels []byte, width, height, channels int) {
	stride := width * channels
	if stride <= 0 || len(pixels) < stride*height {
		return
	}
	tmp := make([]byte, stride)
	for top, bottom := 0, height-1; top < bottom; top, bottom = top+1, bottom-1 {
		a := pixels[top*stride : (top+1)*stride]
		b := pixels[bottom*stride : (bottom+1)*stride]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}
